// Package tunnel owns the stream-mount tunnels registered on the local daemon.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peer-link/internal/daemon"
	"github.com/rudransh-shrivastava/peer-link/internal/errs"
	"github.com/rudransh-shrivastava/peer-link/internal/logger"
	"github.com/rudransh-shrivastava/peer-link/internal/protocol"
	"github.com/sirupsen/logrus"
)

const namePrefix = "/x/"

type Options struct {
	// PortLow and PortHigh bound the local ports tried for sender tunnels, [low, high).
	PortLow    int
	PortHigh   int
	RetryDelay time.Duration
	Logger     *logrus.Logger
}

func DefaultOptions() Options {
	return Options{
		PortLow:    protocol.DefaultPortLow,
		PortHigh:   protocol.DefaultPortHigh,
		RetryDelay: 100 * time.Millisecond,
	}
}

type Manager struct {
	daemon daemon.Daemon
	opts   Options
	logger *logrus.Logger

	mu       sync.Mutex
	reserved map[string]struct{}
	cursor   int

	keysMu sync.Mutex
	keys   map[string]*keyLock
}

func New(d daemon.Daemon, opts Options) *Manager {
	defaults := DefaultOptions()
	if opts.PortLow == 0 || opts.PortHigh <= opts.PortLow {
		opts.PortLow, opts.PortHigh = defaults.PortLow, defaults.PortHigh
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = defaults.RetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}

	return &Manager{
		daemon:   d,
		opts:     opts,
		logger:   opts.Logger,
		reserved: make(map[string]struct{}),
		keys:     make(map[string]*keyLock),
	}
}

// Normalize prefixes name with /x/ unless it already carries it.
func Normalize(name string) string {
	if strings.HasPrefix(name, namePrefix) {
		return name
	}
	return namePrefix + strings.TrimPrefix(name, "/")
}

func (m *Manager) Daemon() daemon.Daemon {
	return m.daemon
}

func (m *Manager) Logger() *logrus.Logger {
	return m.logger
}

func (m *Manager) HostIP() net.IP {
	return m.daemon.HostIP()
}

func (m *Manager) PeerID(ctx context.Context) (string, error) {
	return m.daemon.PeerID(ctx)
}

// OpenListener registers name -> port. A conflicting registration is closed and the
// open retried once.
func (m *Manager) OpenListener(ctx context.Context, name string, port int) error {
	name = Normalize(name)
	log := m.logger.WithFields(logrus.Fields{"listener": name, "port": port})

	err := m.daemon.OpenListener(ctx, name, port)
	if err == nil {
		return nil
	}
	log.Debugf("Listener open failed, closing conflicting listener: %v", err)

	if err := m.daemon.CloseListener(ctx, daemon.Filter{Name: name}); err != nil {
		return err
	}

	select {
	case <-time.After(m.opts.RetryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := m.daemon.OpenListener(ctx, name, port); err != nil {
		return errs.Wrap(errs.KindIPFS, err, "open listener %s", name)
	}
	return nil
}

// OpenSenderAuto forwards the first free local port in the configured range to
// peer on name and returns that port. An existing sender for (name, peer) is replaced.
func (m *Manager) OpenSenderAuto(ctx context.Context, name, peer string) (int, error) {
	name = Normalize(name)

	if err := m.daemon.CloseSender(ctx, daemon.Filter{Name: name, Peer: peer}); err != nil {
		return 0, err
	}

	span := m.opts.PortHigh - m.opts.PortLow
	m.mu.Lock()
	start := m.cursor
	m.cursor = (m.cursor + 1) % span
	m.mu.Unlock()

	for i := 0; i < span; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		port := m.opts.PortLow + (start+i)%span
		err := m.daemon.OpenSender(ctx, name, port, peer)
		if err == nil {
			m.mu.Lock()
			m.cursor = (start + i + 1) % span
			m.mu.Unlock()
			return port, nil
		}
		if !daemon.IsAddrInUse(err) {
			return 0, err
		}
	}
	return 0, errs.New(errs.KindIPFS, "no free port in [%d, %d)", m.opts.PortLow, m.opts.PortHigh)
}

type keyLock struct {
	sync.Mutex
	refs int
}

// lockKey serialises callers on (name, peer). The returned func unlocks and
// forgets the entry once no caller holds or waits for it.
func (m *Manager) lockKey(name, peer string) func() {
	key := name + "\x00" + peer

	m.keysMu.Lock()
	l, ok := m.keys[key]
	if !ok {
		l = &keyLock{}
		m.keys[key] = l
	}
	l.refs++
	m.keysMu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		m.keysMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.keys, key)
		}
		m.keysMu.Unlock()
	}
}

// Dial opens a sender tunnel and connects to it. Opening and connecting are
// serialised per (name, peer) so a replacement cannot close a tunnel before its
// owner has connected; the connection outlives the tunnel registration.
func (m *Manager) Dial(ctx context.Context, name, peer string, timeout time.Duration) (net.Conn, int, error) {
	name = Normalize(name)
	unlock := m.lockKey(name, peer)
	defer unlock()

	port, err := m.OpenSenderAuto(ctx, name, peer)
	if err != nil {
		return nil, 0, err
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(m.daemon.HostIP().String(), strconv.Itoa(port)))
	if err != nil {
		_ = m.CloseSender(context.Background(), daemon.Filter{Name: name, Port: port, Peer: peer})
		return nil, 0, fmt.Errorf("failed to connect to sender tunnel: %w", err)
	}
	return conn, port, nil
}

// GenerateName returns {prefix}_{n} for the smallest n not reserved locally and not
// registered on the daemon. The name stays reserved until ReleaseName.
func (m *Manager) GenerateName(ctx context.Context, prefix string) (string, error) {
	listeners, senders, err := m.daemon.ListTunnels(ctx)
	if err != nil {
		return "", err
	}

	live := make(map[string]struct{}, len(listeners)+len(senders))
	for _, t := range listeners {
		live[t.Name] = struct{}{}
	}
	for _, t := range senders {
		live[t.Name] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for n := 0; ; n++ {
		name := fmt.Sprintf("%s_%d", prefix, n)
		key := Normalize(name)
		if _, ok := m.reserved[key]; ok {
			continue
		}
		if _, ok := live[key]; ok {
			continue
		}
		m.reserved[key] = struct{}{}
		return name, nil
	}
}

func (m *Manager) ReleaseName(name string) {
	m.mu.Lock()
	delete(m.reserved, Normalize(name))
	m.mu.Unlock()
}

func (m *Manager) normalizeFilter(f daemon.Filter) daemon.Filter {
	if f.Name != "" {
		f.Name = Normalize(f.Name)
	}
	return f
}

// CloseListener closes listeners matching f. An empty filter is refused.
func (m *Manager) CloseListener(ctx context.Context, f daemon.Filter) error {
	if f.Empty() {
		return errs.New(errs.KindIPFS, "refusing to close every listener")
	}
	return m.daemon.CloseListener(ctx, m.normalizeFilter(f))
}

// CloseSender closes senders matching f. An empty filter is refused.
func (m *Manager) CloseSender(ctx context.Context, f daemon.Filter) error {
	if f.Empty() {
		return errs.New(errs.KindIPFS, "refusing to close every sender")
	}
	return m.daemon.CloseSender(ctx, m.normalizeFilter(f))
}

// CloseAll closes every listener and sender registered under name.
func (m *Manager) CloseAll(ctx context.Context, name string) error {
	f := daemon.Filter{Name: name}
	if err := m.CloseListener(ctx, f); err != nil {
		return err
	}
	return m.CloseSender(ctx, f)
}

func (m *Manager) ListTunnels(ctx context.Context) ([]daemon.Tunnel, []daemon.Tunnel, error) {
	return m.daemon.ListTunnels(ctx)
}
