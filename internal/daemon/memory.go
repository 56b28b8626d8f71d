package daemon

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peer-link/internal/errs"
)

// MemoryNetwork is an in-process set of daemons for tests. Sender tunnels bind real
// loopback ports and forward each connection to the port registered by the target
// daemon's listener, the way a stream-mounting daemon would.
type MemoryNetwork struct {
	mu      sync.Mutex
	daemons map[string]*MemoryDaemon
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{daemons: make(map[string]*MemoryDaemon)}
}

// NewDaemon registers a daemon with the given peer id.
func (n *MemoryNetwork) NewDaemon(peerID string) *MemoryDaemon {
	d := &MemoryDaemon{
		net:       n,
		id:        peerID,
		hostIP:    net.IPv4(127, 0, 0, 1),
		listeners: make(map[string]int),
		senders:   make(map[int]*memSender),
	}

	n.mu.Lock()
	n.daemons[peerID] = d
	n.mu.Unlock()
	return d
}

func (n *MemoryNetwork) lookup(peerID, name string) (net.IP, int, bool) {
	n.mu.Lock()
	d, ok := n.daemons[peerID]
	n.mu.Unlock()
	if !ok {
		return nil, 0, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, 0, false
	}
	port, ok := d.listeners[name]
	return d.hostIP, port, ok
}

func (n *MemoryNetwork) alive(peerID string) bool {
	n.mu.Lock()
	d, ok := n.daemons[peerID]
	n.mu.Unlock()
	if !ok {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed
}

type memSender struct {
	name string
	peer string
	ln   net.Listener
	wg   sync.WaitGroup
}

type MemoryDaemon struct {
	net    *MemoryNetwork
	id     string
	hostIP net.IP

	mu        sync.Mutex
	closed    bool
	listeners map[string]int
	senders   map[int]*memSender
}

func (d *MemoryDaemon) PeerID(context.Context) (string, error) {
	return d.id, nil
}

func (d *MemoryDaemon) Addresses(context.Context) ([]string, error) {
	return []string{"/ip4/127.0.0.1/tcp/4001/p2p/" + d.id}, nil
}

func (d *MemoryDaemon) HostIP() net.IP {
	return d.hostIP
}

func (d *MemoryDaemon) OpenListener(_ context.Context, name string, port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.listeners[name]; exists {
		return errs.New(errs.KindIPFS, "p2p/listen: listener already registered")
	}
	d.listeners[name] = port
	return nil
}

func (d *MemoryDaemon) OpenSender(_ context.Context, name string, port int, peer string) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(d.hostIP.String(), strconv.Itoa(port)))
	if err != nil {
		return errs.Wrap(errs.KindIPFS, err, "p2p/forward")
	}

	s := &memSender{name: name, peer: peer, ln: ln}

	d.mu.Lock()
	d.senders[port] = s
	d.mu.Unlock()

	s.wg.Add(1)
	go d.forward(s)
	return nil
}

func (d *MemoryDaemon) forward(s *memSender) {
	defer s.wg.Done()

	for {
		local, err := s.ln.Accept()
		if err != nil {
			return
		}

		go func() {
			ip, port, ok := d.net.lookup(s.peer, s.name)
			if !ok {
				_ = local.Close()
				return
			}

			remote, err := net.DialTimeout("tcp", net.JoinHostPort(ip.String(), strconv.Itoa(port)), 5*time.Second)
			if err != nil {
				_ = local.Close()
				return
			}
			pipe(local, remote)
		}()
	}
}

func (d *MemoryDaemon) CloseListener(_ context.Context, f Filter) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for name, port := range d.listeners {
		if f.Match(Tunnel{Kind: KindListener, Name: name, Port: port}) {
			delete(d.listeners, name)
		}
	}
	return nil
}

func (d *MemoryDaemon) CloseSender(_ context.Context, f Filter) error {
	d.mu.Lock()
	var closing []*memSender
	for port, s := range d.senders {
		if f.Match(Tunnel{Kind: KindSender, Name: s.name, Port: port, Peer: s.peer}) {
			closing = append(closing, s)
			delete(d.senders, port)
		}
	}
	d.mu.Unlock()

	for _, s := range closing {
		_ = s.ln.Close()
		s.wg.Wait()
	}
	return nil
}

func (d *MemoryDaemon) ListTunnels(context.Context) ([]Tunnel, []Tunnel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	listeners := make([]Tunnel, 0, len(d.listeners))
	for name, port := range d.listeners {
		listeners = append(listeners, Tunnel{Kind: KindListener, Name: name, Port: port})
	}
	senders := make([]Tunnel, 0, len(d.senders))
	for port, s := range d.senders {
		senders = append(senders, Tunnel{Kind: KindSender, Name: s.name, Port: port, Peer: s.peer})
	}
	return listeners, senders, nil
}

func (d *MemoryDaemon) FindPeer(_ context.Context, peer string) ([]string, error) {
	if !d.net.alive(peer) {
		return nil, errs.New(errs.KindIPFS, "routing/findpeer: %s not found", peer)
	}
	return []string{"/ip4/127.0.0.1/tcp/4001"}, nil
}

func (d *MemoryDaemon) IsPeerConnected(_ context.Context, peer string) (bool, error) {
	return d.net.alive(peer), nil
}

func (d *MemoryDaemon) Connect(_ context.Context, addr string) error {
	peer, err := PeerOf(addr)
	if err != nil {
		return errs.Wrap(errs.KindIPFS, err, "swarm/connect")
	}
	if !d.net.alive(peer) {
		return errs.New(errs.KindIPFS, "swarm/connect: %s unreachable", peer)
	}
	return nil
}

func (d *MemoryDaemon) Ping(_ context.Context, peer string, count int) ([]bool, error) {
	alive := d.net.alive(peer)
	results := make([]bool, count)
	for i := range results {
		results[i] = alive
	}
	return results, nil
}

// Close takes the daemon off the network and tears down its tunnels.
func (d *MemoryDaemon) Close() error {
	d.mu.Lock()
	d.closed = true
	d.listeners = make(map[string]int)
	d.mu.Unlock()

	return d.CloseSender(context.Background(), Filter{})
}

var _ Daemon = (*MemoryDaemon)(nil)
