package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/rudransh-shrivastava/peer-link/internal/errs"
	"github.com/sirupsen/logrus"
)

const DefaultAPIAddr = "/ip4/127.0.0.1/tcp/5001"

type RPCOptions struct {
	// APIAddr is the daemon's RPC endpoint as a multiaddr or an http URL.
	APIAddr string
	HostIP  net.IP
	Client  *http.Client
	Logger  *logrus.Logger
}

// RPC talks to a kubo daemon over its HTTP RPC API.
type RPC struct {
	sh     *shell.Shell
	hostIP net.IP
	logger *logrus.Logger

	mu     sync.Mutex
	peerID string
}

func NewRPC(opts RPCOptions) (*RPC, error) {
	addr := opts.APIAddr
	if addr == "" {
		addr = DefaultAPIAddr
	}

	base, err := apiBaseURL(addr)
	if err != nil {
		return nil, errs.Wrap(errs.KindIPFS, err, "bad api address %q", addr)
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	hostIP := opts.HostIP
	if hostIP == nil {
		hostIP = net.IPv4(127, 0, 0, 1)
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &RPC{
		sh:     shell.NewShellWithClient(base, client),
		hostIP: hostIP,
		logger: log,
	}, nil
}

func apiBaseURL(addr string) (string, error) {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/"), nil
	}

	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", err
	}
	na, err := manet.ToNetAddr(m)
	if err != nil {
		return "", err
	}
	return "http://" + na.String(), nil
}

// rpcExec runs one RPC command and decodes its single JSON reply into out when
// out is non-nil.
func rpcExec(ctx context.Context, req *shell.RequestBuilder, cmd string, out any) error {
	err := req.Exec(ctx, out)
	if err != nil && !(out != nil && errors.Is(err, io.EOF)) {
		return errs.Wrap(errs.KindIPFS, err, "%s", cmd)
	}
	return nil
}

// rpcStream decodes a newline-delimited JSON response, one value per fn call.
func rpcStream(ctx context.Context, req *shell.RequestBuilder, cmd string, fn func(dec *json.Decoder) error) error {
	resp, err := req.Send(ctx)
	if err != nil {
		return errs.Wrap(errs.KindIPFS, err, "%s", cmd)
	}
	defer func() { _ = resp.Close() }()
	if resp.Error != nil {
		return errs.Wrap(errs.KindIPFS, resp.Error, "%s", cmd)
	}

	dec := json.NewDecoder(resp.Output)
	for dec.More() {
		if err := fn(dec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errs.Wrap(errs.KindIPFS, err, "%s: decode stream", cmd)
		}
	}
	return nil
}

type idOutput struct {
	ID        string
	Addresses []string
}

func (r *RPC) id(ctx context.Context) (idOutput, error) {
	var out idOutput
	err := rpcExec(ctx, r.sh.Request("id"), "id", &out)
	return out, err
}

func (r *RPC) PeerID(ctx context.Context) (string, error) {
	r.mu.Lock()
	cached := r.peerID
	r.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	out, err := r.id(ctx)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errs.New(errs.KindIPFS, "id: empty peer id")
	}

	r.mu.Lock()
	r.peerID = out.ID
	r.mu.Unlock()
	return out.ID, nil
}

func (r *RPC) Addresses(ctx context.Context) ([]string, error) {
	out, err := r.id(ctx)
	if err != nil {
		return nil, err
	}
	return out.Addresses, nil
}

func (r *RPC) HostIP() net.IP {
	return r.hostIP
}

func (r *RPC) OpenListener(ctx context.Context, name string, port int) error {
	target, err := TCPAddr(r.hostIP, port)
	if err != nil {
		return errs.Wrap(errs.KindIPFS, err, "listen address")
	}
	r.logger.WithFields(logrus.Fields{"listener": name, "port": port}).Debug("p2p listen")
	return rpcExec(ctx, r.sh.Request("p2p/listen", name, target.String()), "p2p/listen", nil)
}

func (r *RPC) OpenSender(ctx context.Context, name string, port int, peer string) error {
	listen, err := TCPAddr(r.hostIP, port)
	if err != nil {
		return errs.Wrap(errs.KindIPFS, err, "forward address")
	}
	r.logger.WithFields(logrus.Fields{"listener": name, "port": port, "peer": peer}).Debug("p2p forward")
	return rpcExec(ctx, r.sh.Request("p2p/forward", name, listen.String(), "/p2p/"+peer), "p2p/forward", nil)
}

type lsEntry struct {
	Protocol      string
	ListenAddress string
	TargetAddress string
}

type lsOutput struct {
	Listeners []lsEntry
}

type rawTunnel struct {
	Tunnel
	listen string
	target string
}

func (r *RPC) ls(ctx context.Context) ([]rawTunnel, error) {
	var out lsOutput
	if err := rpcExec(ctx, r.sh.Request("p2p/ls").Option("headers", true), "p2p/ls", &out); err != nil {
		return nil, err
	}

	tunnels := make([]rawTunnel, 0, len(out.Listeners))
	for _, e := range out.Listeners {
		t, err := classify(e)
		if err != nil {
			r.logger.Warnf("Skipping unparsable tunnel %+v: %v", e, err)
			continue
		}
		tunnels = append(tunnels, rawTunnel{Tunnel: t, listen: e.ListenAddress, target: e.TargetAddress})
	}
	return tunnels, nil
}

// classify maps a p2p ls row: incoming listeners listen on /p2p/{self}, senders on a tcp address.
func classify(e lsEntry) (Tunnel, error) {
	if strings.HasPrefix(e.ListenAddress, "/p2p/") || strings.HasPrefix(e.ListenAddress, "/ipfs/") {
		port, err := PortOf(e.TargetAddress)
		if err != nil {
			return Tunnel{}, err
		}
		return Tunnel{Kind: KindListener, Name: e.Protocol, Port: port}, nil
	}

	port, err := PortOf(e.ListenAddress)
	if err != nil {
		return Tunnel{}, err
	}
	peer, err := PeerOf(e.TargetAddress)
	if err != nil {
		return Tunnel{}, err
	}
	return Tunnel{Kind: KindSender, Name: e.Protocol, Port: port, Peer: peer}, nil
}

func (r *RPC) ListTunnels(ctx context.Context) ([]Tunnel, []Tunnel, error) {
	raw, err := r.ls(ctx)
	if err != nil {
		return nil, nil, err
	}

	var listeners, senders []Tunnel
	for _, t := range raw {
		if t.Kind == KindListener {
			listeners = append(listeners, t.Tunnel)
		} else {
			senders = append(senders, t.Tunnel)
		}
	}
	return listeners, senders, nil
}

func (r *RPC) CloseListener(ctx context.Context, f Filter) error {
	return r.closeMatching(ctx, KindListener, f)
}

func (r *RPC) CloseSender(ctx context.Context, f Filter) error {
	return r.closeMatching(ctx, KindSender, f)
}

// closeMatching closes each exact row so a listener close never touches a sender of the same name.
func (r *RPC) closeMatching(ctx context.Context, kind TunnelKind, f Filter) error {
	raw, err := r.ls(ctx)
	if err != nil {
		return err
	}

	for _, t := range raw {
		if t.Kind != kind || !f.Match(t.Tunnel) {
			continue
		}
		req := r.sh.Request("p2p/close").
			Option("protocol", t.Name).
			Option("listen-address", t.listen).
			Option("target-address", t.target)
		if err := rpcExec(ctx, req, "p2p/close", nil); err != nil {
			return err
		}
		r.logger.WithField("tunnel", t.Tunnel.String()).Debug("p2p close")
	}
	return nil
}

type findPeerOutput struct {
	Type      int
	Responses []struct {
		ID    string
		Addrs []string
	}
}

// routing event type carrying the final answer of a peer lookup.
const routingFinalPeer = 2

func (r *RPC) FindPeer(ctx context.Context, peer string) ([]string, error) {
	var addrs []string
	err := rpcStream(ctx, r.sh.Request("routing/findpeer", peer), "routing/findpeer", func(dec *json.Decoder) error {
		var ev findPeerOutput
		if err := dec.Decode(&ev); err != nil {
			return err
		}
		if ev.Type != routingFinalPeer {
			return nil
		}
		for _, resp := range ev.Responses {
			addrs = append(addrs, resp.Addrs...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errs.New(errs.KindIPFS, "routing/findpeer: %s not found", peer)
	}
	return addrs, nil
}

func (r *RPC) IsPeerConnected(ctx context.Context, peer string) (bool, error) {
	out, err := r.sh.SwarmPeers(ctx)
	if err != nil {
		return false, errs.Wrap(errs.KindIPFS, err, "swarm/peers")
	}
	for _, p := range out.Peers {
		if p.Peer == peer {
			return true, nil
		}
	}
	return false, nil
}

func (r *RPC) Connect(ctx context.Context, addr string) error {
	if _, err := ma.NewMultiaddr(addr); err != nil {
		return errs.Wrap(errs.KindIPFS, err, "swarm/connect: bad address %q", addr)
	}
	if err := r.sh.SwarmConnect(ctx, addr); err != nil {
		return errs.Wrap(errs.KindIPFS, err, "swarm/connect")
	}
	return nil
}

type pingOutput struct {
	Success bool
	Time    int64
	Text    string
}

func (r *RPC) Ping(ctx context.Context, peer string, count int) ([]bool, error) {
	if count <= 0 {
		count = 1
	}

	results := make([]bool, 0, count)
	err := rpcStream(ctx, r.sh.Request("ping", peer).Option("count", count), "ping", func(dec *json.Decoder) error {
		var p pingOutput
		if err := dec.Decode(&p); err != nil {
			return err
		}
		switch {
		case !p.Success:
			results = append(results, false)
		case p.Text == "":
			results = append(results, true)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

var _ Daemon = (*RPC)(nil)
