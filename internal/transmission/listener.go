package transmission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rudransh-shrivastava/peer-link/internal/daemon"
	"github.com/rudransh-shrivastava/peer-link/internal/protocol"
	"github.com/rudransh-shrivastava/peer-link/internal/queue"
	"github.com/rudransh-shrivastava/peer-link/internal/tunnel"
	"github.com/sirupsen/logrus"
)

// Handler receives one delivered payload and the sender's peer id.
type Handler func(data []byte, peer string)

type ListenerOptions struct {
	// RecvTimeout is the idle timeout of every framed read.
	RecvTimeout time.Duration
	// DataTimeout bounds how long a negotiated data port waits for its sender.
	DataTimeout time.Duration
	// Ordered runs the handler on a single goroutine in acknowledgement order.
	// Otherwise every delivery gets its own goroutine.
	Ordered bool
}

func (o ListenerOptions) withDefaults() ListenerOptions {
	if o.RecvTimeout <= 0 {
		o.RecvTimeout = protocol.DefaultRecvTimeout
	}
	if o.DataTimeout <= 0 {
		o.DataTimeout = 3 * protocol.DefaultSendTimeout
	}
	return o
}

type State int32

const (
	StateListening State = iota
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type delivery struct {
	data []byte
	peer string
}

// Listener accepts transmissions addressed to one name.
type Listener struct {
	name    string
	port    int
	ln      net.Listener
	handler Handler
	opts    ListenerOptions
	manager *tunnel.Manager
	hostIP  net.IP
	logger  *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool

	state   atomic.Int32
	wg      sync.WaitGroup
	ordered *queue.Queue[delivery]

	mu       sync.Mutex
	inflight map[io.Closer]struct{}

	closeOnce sync.Once
	closeErr  error
}

// Listen binds a local socket, registers name for it and starts accepting requests.
// The listener runs until Close or until ctx ends.
func (t *Transmitter) Listen(ctx context.Context, name string, h Handler, opts ListenerOptions) (*Listener, error) {
	opts = opts.withDefaults()
	hostIP := t.manager.HostIP()

	ln, err := net.Listen("tcp", net.JoinHostPort(hostIP.String(), "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to bind listener socket: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if err := t.manager.OpenListener(ctx, name, port); err != nil {
		_ = ln.Close()
		return nil, err
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		name:     name,
		port:     port,
		ln:       ln,
		handler:  h,
		opts:     opts,
		manager:  t.manager,
		hostIP:   hostIP,
		logger:   t.logger.WithFields(logrus.Fields{"listener": tunnel.Normalize(name), "port": port}),
		ctx:      lctx,
		cancel:   cancel,
		inflight: make(map[io.Closer]struct{}),
	}
	if opts.Ordered {
		l.ordered = queue.New[delivery]()
		go l.dispatch()
	}

	l.wg.Add(1)
	go l.acceptLoop()

	l.mu.Lock()
	l.stop = context.AfterFunc(ctx, func() { _ = l.Close() })
	l.mu.Unlock()

	l.logger.Debug("Listener ready")
	return l, nil
}

func (l *Listener) Name() string { return l.name }

func (l *Listener) Port() int { return l.port }

func (l *Listener) State() State { return State(l.state.Load()) }

func (l *Listener) stopping() bool {
	return l.State() != StateListening
}

// track registers c for closing on shutdown; it reports false when shutdown has begun.
func (l *Listener) track(c io.Closer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopping() {
		return false
	}
	l.inflight[c] = struct{}{}
	return true
}

func (l *Listener) untrack(c io.Closer) {
	l.mu.Lock()
	delete(l.inflight, c)
	l.mu.Unlock()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warnf("Accept failed: %v", err)
			continue
		}

		if !l.track(conn) {
			_ = conn.Close()
			return
		}

		l.wg.Add(1)
		go l.handleRequest(conn)
	}
}

func (l *Listener) handleRequest(conn net.Conn) {
	defer l.wg.Done()
	defer l.untrack(conn)
	defer func() { _ = conn.Close() }()

	frame, err := protocol.RecvFramed(conn, l.opts.RecvTimeout)
	if err != nil {
		l.logger.Warnf("Bad %s: %v", protocol.MsgRequest, err)
		return
	}
	if l.stopping() {
		return
	}

	peer, ok := protocol.VerifyRequest(frame)
	if !ok {
		l.logger.Warnf("Dropping %s with bad checksum", protocol.MsgRequest)
		_, _ = conn.Write([]byte(protocol.RequestRejected))
		return
	}

	dl, err := net.Listen("tcp", net.JoinHostPort(l.hostIP.String(), "0"))
	if err != nil {
		l.logger.Warnf("Failed to bind data socket: %v", err)
		return
	}
	dport := dl.Addr().(*net.TCPAddr).Port
	dname := strconv.Itoa(dport)

	if err := l.manager.OpenListener(l.ctx, dname, dport); err != nil {
		l.logger.Warnf("Failed to register data port %d: %v", dport, err)
		_ = dl.Close()
		return
	}
	if !l.track(dl) {
		_ = dl.Close()
		_ = l.manager.CloseListener(context.Background(), daemon.Filter{Name: dname, Port: dport})
		return
	}

	l.wg.Add(1)
	go l.acceptData(dl, dport, peer)

	if _, err := conn.Write(protocol.AcceptReply(dport)); err != nil {
		l.logger.Warnf("Failed to send %s: %v", protocol.MsgRequestReply, err)
	}
}

func (l *Listener) acceptData(dl net.Listener, port int, peer string) {
	defer l.wg.Done()
	defer func() {
		l.untrack(dl)
		_ = dl.Close()
		_ = l.manager.CloseListener(context.Background(), daemon.Filter{Name: strconv.Itoa(port), Port: port})
	}()

	log := l.logger.WithFields(logrus.Fields{"peer": peer, "data_port": port})

	if tl, ok := dl.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(l.opts.DataTimeout))
	}
	conn, err := dl.Accept()
	if err != nil {
		if !l.stopping() {
			log.Warnf("No sender on data port: %v", err)
		}
		return
	}
	if !l.track(conn) {
		_ = conn.Close()
		return
	}
	defer l.untrack(conn)
	defer func() { _ = conn.Close() }()

	data, err := protocol.RecvFramed(conn, l.opts.RecvTimeout)
	if err != nil {
		log.Warnf("Bad %s: %v", protocol.MsgData, err)
		return
	}

	// A handler may close this listener; the acknowledgement must still go out.
	l.untrack(conn)
	l.deliver(delivery{data: data, peer: peer})

	if _, err := conn.Write([]byte(protocol.Finished)); err != nil {
		log.Warnf("Failed to send %s: %v", protocol.MsgAck, err)
	}
}

// deliver hands a payload over before it is acknowledged, so ordered listeners
// see payloads in the order their senders saw acknowledgements.
func (l *Listener) deliver(d delivery) {
	if l.ordered != nil {
		l.ordered.Push(d)
		return
	}
	go l.call(d)
}

func (l *Listener) dispatch() {
	for {
		d, err := l.ordered.Pop(context.Background())
		if err != nil {
			return
		}
		l.call(d)
	}
}

func (l *Listener) call(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("peer", d.peer).Errorf("Handler panicked: %v", r)
		}
	}()
	l.handler(d.data, d.peer)
}

// Close stops accepting, aborts in-flight exchanges, waits for them and unregisters
// the tunnel. Handlers already running are not waited for. Close is idempotent.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.state.Store(int32(StateTerminating))
		l.cancel()
		_ = l.ln.Close()

		l.mu.Lock()
		if l.stop != nil {
			l.stop()
		}
		for c := range l.inflight {
			_ = c.Close()
		}
		l.mu.Unlock()

		l.wg.Wait()
		if l.ordered != nil {
			l.ordered.Close()
		}

		l.closeErr = l.manager.CloseListener(context.Background(), daemon.Filter{Name: l.name, Port: l.port})
		l.state.Store(int32(StateClosed))
		l.logger.Debug("Listener closed")
	})
	return l.closeErr
}
