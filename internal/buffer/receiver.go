package buffer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rudransh-shrivastava/peer-link/internal/daemon"
	"github.com/rudransh-shrivastava/peer-link/internal/protocol"
	"github.com/rudransh-shrivastava/peer-link/internal/queue"
	"github.com/rudransh-shrivastava/peer-link/internal/tunnel"
	"github.com/sirupsen/logrus"
)

type Handler func(data []byte)

type ReceiverOptions struct {
	// BufferSize caps a single read.
	BufferSize int
	// Inline calls the handler on the reading goroutine. Otherwise one worker
	// goroutine consumes reads in order.
	Inline bool
	// MonitorInterval enables OnIdle; it fires after each interval without data.
	MonitorInterval time.Duration
	OnIdle          func(idle time.Duration)
}

// Receiver reads raw bytes arriving on a named listener. Connections are served
// one at a time so a sender that re-opens its tunnel is picked up again.
type Receiver struct {
	name    string
	port    int
	ln      net.Listener
	manager *tunnel.Manager
	handler Handler
	opts    ReceiverOptions
	logger  *logrus.Entry

	work     *queue.Queue[[]byte]
	lastData atomic.Int64
	done     chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	conn   net.Conn
	closed bool

	closeOnce sync.Once
	closeErr  error
}

func NewReceiver(ctx context.Context, manager *tunnel.Manager, name string, h Handler, opts ReceiverOptions) (*Receiver, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = protocol.DefaultBufferSize
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(manager.HostIP().String(), "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to bind buffer socket: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if err := manager.OpenListener(ctx, name, port); err != nil {
		_ = ln.Close()
		return nil, err
	}

	r := &Receiver{
		name:    tunnel.Normalize(name),
		port:    port,
		ln:      ln,
		manager: manager,
		handler: h,
		opts:    opts,
		logger:  manager.Logger().WithFields(logrus.Fields{"buffer": tunnel.Normalize(name), "port": port}),
		done:    make(chan struct{}),
	}
	r.lastData.Store(time.Now().UnixNano())

	if !opts.Inline {
		r.work = queue.New[[]byte]()
		r.wg.Add(1)
		go r.worker()
	}
	if opts.MonitorInterval > 0 && opts.OnIdle != nil {
		r.wg.Add(1)
		go r.monitor()
	}
	r.wg.Add(1)
	go r.serve()

	return r, nil
}

func (r *Receiver) Name() string { return r.name }

func (r *Receiver) Port() int { return r.port }

// Done is closed once the receiver stops reading.
func (r *Receiver) Done() <-chan struct{} { return r.done }

// Idle returns the time since data last arrived.
func (r *Receiver) Idle() time.Duration {
	return time.Since(time.Unix(0, r.lastData.Load()))
}

func (r *Receiver) serve() {
	defer r.wg.Done()
	defer close(r.done)

	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.logger.Warnf("Accept failed: %v", err)
			}
			return
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = conn.Close()
			return
		}
		r.conn = conn
		r.mu.Unlock()

		r.read(conn)

		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
		_ = conn.Close()
	}
}

func (r *Receiver) read(conn net.Conn) {
	buf := make([]byte, r.opts.BufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			r.lastData.Store(time.Now().UnixNano())
			data := make([]byte, n)
			copy(data, buf[:n])
			if r.opts.Inline {
				r.call(data)
			} else {
				r.work.Push(data)
			}
		}
		if err != nil {
			r.logger.Debugf("Buffer connection ended: %v", err)
			return
		}
	}
}

func (r *Receiver) worker() {
	defer r.wg.Done()
	for {
		data, err := r.work.Pop(context.Background())
		if err != nil {
			return
		}
		r.call(data)
	}
}

func (r *Receiver) call(data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorf("Handler panicked: %v", rec)
		}
	}()
	r.handler(data)
}

func (r *Receiver) monitor() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if idle := r.Idle(); idle >= r.opts.MonitorInterval {
				r.opts.OnIdle(idle)
			}
		}
	}
}

// Close stops reading, drains queued reads and unregisters the tunnel.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		if r.conn != nil {
			_ = r.conn.Close()
		}
		r.mu.Unlock()
		_ = r.ln.Close()

		if r.work != nil {
			r.work.Close()
		}
		r.wg.Wait()

		r.closeErr = r.manager.CloseListener(context.Background(), daemon.Filter{Name: r.name, Port: r.port})
		r.logger.Debug("Buffer receiver closed")
	})
	return r.closeErr
}
