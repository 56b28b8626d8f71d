package daemon

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/rudransh-shrivastava/peer-link/internal/errs"
	"github.com/sirupsen/logrus"
)

const (
	mdnsServiceName = "peer-link"
	pingTimeout     = 5 * time.Second
	dialTimeout     = 5 * time.Second
)

type EmbeddedOptions struct {
	ListenAddrs []string
	// PrivKey fixes the peer identity; a fresh Ed25519 key is generated when nil.
	PrivKey    crypto.PrivKey
	HostIP     net.IP
	EnableMDNS bool
	Logger     *logrus.Logger
}

func DefaultEmbeddedOptions() EmbeddedOptions {
	return EmbeddedOptions{
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		},
		HostIP:     net.IPv4(127, 0, 0, 1),
		EnableMDNS: true,
	}
}

// Embedded runs the stream-mounting side of a daemon inside this process on a
// go-libp2p host, so no external IPFS daemon is needed.
type Embedded struct {
	host   host.Host
	hostIP net.IP
	logger *logrus.Logger
	mdns   mdns.Service

	mu        sync.Mutex
	listeners map[string]int
	senders   map[int]*embeddedSender
}

type embeddedSender struct {
	name string
	peer peer.ID
	ln   net.Listener
	wg   sync.WaitGroup
}

func NewEmbedded(opts EmbeddedOptions) (*Embedded, error) {
	defaults := DefaultEmbeddedOptions()
	if len(opts.ListenAddrs) == 0 {
		opts.ListenAddrs = defaults.ListenAddrs
	}
	if opts.HostIP == nil {
		opts.HostIP = defaults.HostIP
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	hostOpts := []libp2p.Option{libp2p.ListenAddrStrings(opts.ListenAddrs...)}
	if opts.PrivKey != nil {
		hostOpts = append(hostOpts, libp2p.Identity(opts.PrivKey))
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, errs.Wrap(errs.KindIPFS, err, "create libp2p host")
	}

	e := &Embedded{
		host:      h,
		hostIP:    opts.HostIP,
		logger:    opts.Logger,
		listeners: make(map[string]int),
		senders:   make(map[int]*embeddedSender),
	}

	if opts.EnableMDNS {
		e.mdns = mdns.NewMdnsService(h, mdnsServiceName, e)
		if err := e.mdns.Start(); err != nil {
			e.logger.Warnf("mDNS setup failed: %v", err)
			e.mdns = nil
		}
	}

	e.logger.WithField("peer", h.ID().String()).Info("Embedded daemon started")
	return e, nil
}

// HandlePeerFound connects to peers announced over mDNS.
func (e *Embedded) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == e.host.ID() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.host.Connect(ctx, pi); err != nil {
		e.logger.Debugf("Failed to connect to discovered peer %s: %v", pi.ID, err)
		return
	}
	e.logger.WithField("peer", pi.ID.String()).Debug("Discovered peer via mDNS")
}

// Host exposes the underlying libp2p host.
func (e *Embedded) Host() host.Host {
	return e.host
}

func (e *Embedded) PeerID(context.Context) (string, error) {
	return e.host.ID().String(), nil
}

func (e *Embedded) Addresses(context.Context) ([]string, error) {
	addrs := e.host.Addrs()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = fmt.Sprintf("%s/p2p/%s", a, e.host.ID())
	}
	return out, nil
}

func (e *Embedded) HostIP() net.IP {
	return e.hostIP
}

func (e *Embedded) OpenListener(_ context.Context, name string, port int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.listeners[name]; exists {
		return errs.New(errs.KindIPFS, "p2p/listen: listener already registered")
	}
	e.listeners[name] = port
	e.host.SetStreamHandler(protocol.ID(name), e.streamHandler(name))

	e.logger.WithFields(logrus.Fields{"listener": name, "port": port}).Debug("p2p listen")
	return nil
}

func (e *Embedded) streamHandler(name string) network.StreamHandler {
	return func(s network.Stream) {
		e.mu.Lock()
		port, ok := e.listeners[name]
		e.mu.Unlock()
		if !ok {
			_ = s.Reset()
			return
		}

		local, err := net.DialTimeout("tcp", net.JoinHostPort(e.hostIP.String(), strconv.Itoa(port)), dialTimeout)
		if err != nil {
			e.logger.WithField("listener", name).Debugf("Target unreachable: %v", err)
			_ = s.Reset()
			return
		}
		pipe(s, local)
	}
}

func (e *Embedded) OpenSender(_ context.Context, name string, port int, peerID string) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return errs.Wrap(errs.KindIPFS, err, "p2p/forward: bad peer id %q", peerID)
	}

	bind, err := TCPAddr(e.hostIP, port)
	if err != nil {
		return errs.Wrap(errs.KindIPFS, err, "p2p/forward")
	}
	netw, hostport, err := manet.DialArgs(bind)
	if err != nil {
		return errs.Wrap(errs.KindIPFS, err, "p2p/forward")
	}
	ln, err := net.Listen(netw, hostport)
	if err != nil {
		return errs.Wrap(errs.KindIPFS, err, "p2p/forward")
	}

	s := &embeddedSender{name: name, peer: pid, ln: ln}

	e.mu.Lock()
	e.senders[port] = s
	e.mu.Unlock()

	s.wg.Add(1)
	go e.acceptLocal(s)

	e.logger.WithFields(logrus.Fields{"listener": name, "port": port, "peer": peerID}).Debug("p2p forward")
	return nil
}

func (e *Embedded) acceptLocal(s *embeddedSender) {
	defer s.wg.Done()

	for {
		local, err := s.ln.Accept()
		if err != nil {
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
			remote, err := e.host.NewStream(ctx, s.peer, protocol.ID(s.name))
			cancel()
			if err != nil {
				e.logger.WithFields(logrus.Fields{"listener": s.name, "peer": s.peer.String()}).Debugf("Stream open failed: %v", err)
				_ = local.Close()
				return
			}
			pipe(local, remote)
		}()
	}
}

func (e *Embedded) CloseListener(_ context.Context, f Filter) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, port := range e.listeners {
		if !f.Match(Tunnel{Kind: KindListener, Name: name, Port: port}) {
			continue
		}
		delete(e.listeners, name)
		e.host.RemoveStreamHandler(protocol.ID(name))
	}
	return nil
}

func (e *Embedded) CloseSender(_ context.Context, f Filter) error {
	e.mu.Lock()
	var closing []*embeddedSender
	for port, s := range e.senders {
		if f.Match(Tunnel{Kind: KindSender, Name: s.name, Port: port, Peer: s.peer.String()}) {
			closing = append(closing, s)
			delete(e.senders, port)
		}
	}
	e.mu.Unlock()

	for _, s := range closing {
		_ = s.ln.Close()
		s.wg.Wait()
	}
	return nil
}

func (e *Embedded) ListTunnels(context.Context) ([]Tunnel, []Tunnel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	listeners := make([]Tunnel, 0, len(e.listeners))
	for name, port := range e.listeners {
		listeners = append(listeners, Tunnel{Kind: KindListener, Name: name, Port: port})
	}
	senders := make([]Tunnel, 0, len(e.senders))
	for port, s := range e.senders {
		senders = append(senders, Tunnel{Kind: KindSender, Name: s.name, Port: port, Peer: s.peer.String()})
	}
	return listeners, senders, nil
}

// FindPeer answers from the peerstore; the embedded host runs no DHT.
func (e *Embedded) FindPeer(_ context.Context, peerID string) ([]string, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, errs.Wrap(errs.KindIPFS, err, "routing/findpeer: bad peer id %q", peerID)
	}

	addrs := e.host.Peerstore().Addrs(pid)
	if len(addrs) == 0 || e.host.Network().Connectedness(pid) != network.Connected {
		return nil, errs.New(errs.KindIPFS, "routing/findpeer: %s not found", peerID)
	}

	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out, nil
}

func (e *Embedded) IsPeerConnected(_ context.Context, peerID string) (bool, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return false, errs.Wrap(errs.KindIPFS, err, "swarm/peers: bad peer id %q", peerID)
	}
	return e.host.Network().Connectedness(pid) == network.Connected, nil
}

func (e *Embedded) Connect(ctx context.Context, addr string) error {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return errs.Wrap(errs.KindIPFS, err, "swarm/connect: bad address %q", addr)
	}

	e.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
	if err := e.host.Connect(ctx, *info); err != nil {
		return errs.Wrap(errs.KindIPFS, err, "swarm/connect")
	}
	return nil
}

func (e *Embedded) Ping(ctx context.Context, peerID string, count int) ([]bool, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, errs.Wrap(errs.KindIPFS, err, "ping: bad peer id %q", peerID)
	}
	if count <= 0 {
		count = 1
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(count)*pingTimeout)
	defer cancel()

	results := make([]bool, count)
	ch := ping.Ping(ctx, e.host, pid)
	for i := 0; i < count; i++ {
		res, ok := <-ch
		if !ok {
			break
		}
		results[i] = res.Error == nil
	}
	return results, nil
}

func (e *Embedded) Close() error {
	if err := e.CloseSender(context.Background(), Filter{}); err != nil {
		return err
	}
	if err := e.CloseListener(context.Background(), Filter{}); err != nil {
		return err
	}
	if e.mdns != nil {
		_ = e.mdns.Close()
	}
	return e.host.Close()
}

// LoadIdentity reads a marshalled libp2p private key from path, creating and
// saving a fresh Ed25519 key when the file does not exist.
func LoadIdentity(path string) (crypto.PrivKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return crypto.UnmarshalPrivateKey(raw)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 keypair: %w", err)
	}
	raw, err = crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save identity: %w", err)
	}
	return priv, nil
}

var (
	_ Daemon       = (*Embedded)(nil)
	_ mdns.Notifee = (*Embedded)(nil)
)
