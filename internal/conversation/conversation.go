// Package conversation runs long-lived two-sided sessions over transmissions:
// messages both ways, optional encryption and chunked file transfer.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rudransh-shrivastava/peer-link/internal/crypt"
	"github.com/rudransh-shrivastava/peer-link/internal/errs"
	"github.com/rudransh-shrivastava/peer-link/internal/protocol"
	"github.com/rudransh-shrivastava/peer-link/internal/queue"
	"github.com/rudransh-shrivastava/peer-link/internal/transmission"
	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("conversation closed")

const (
	defaultJoinDelay = 100 * time.Millisecond
	filesSuffix      = ":files"
)

type Options struct {
	// Name is the local listener name; the peer addresses this side by it.
	Name   string
	Cipher crypt.Cipher

	// OnMessage replaces queueing for Listen when set.
	OnMessage func(data []byte, peer string)
	// OnFile replaces queueing for ListenForFile when set.
	OnFile func(FileReceipt)
	// FileProgress reports incoming file progress.
	FileProgress Progress
	// Dir enables receiving files into this directory.
	Dir string

	Send         transmission.SendOptions
	RecvTimeout  time.Duration
	StartTimeout time.Duration
	// JoinDelay lets the initiator's listener settle before the join frame is sent.
	JoinDelay time.Duration
	Logger    *logrus.Logger
}

type Conversation struct {
	tx     *transmission.Transmitter
	opts   Options
	logger *logrus.Entry

	started   chan struct{}
	startOnce sync.Once

	mu         sync.Mutex
	peer       string
	remoteName string
	listener   *transmission.Listener
	files      *Listener
	receivers  map[*Conversation]struct{}
	closed     bool
	onClose    func()

	messages     *queue.Queue[[]byte]
	receipts     *queue.Queue[FileReceipt]
	lastActivity atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

func New(tx *transmission.Transmitter, opts Options) *Conversation {
	if opts.Logger == nil {
		opts.Logger = tx.Logger()
	}
	if opts.RecvTimeout <= 0 {
		opts.RecvTimeout = protocol.DefaultRecvTimeout
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = protocol.DefaultSendTimeout
	}
	if opts.JoinDelay == 0 {
		opts.JoinDelay = defaultJoinDelay
	}

	c := &Conversation{
		tx:        tx,
		opts:      opts,
		logger:    opts.Logger.WithField("conv", opts.Name),
		started:   make(chan struct{}),
		receivers: make(map[*Conversation]struct{}),
		messages:  queue.New[[]byte](),
		receipts:  queue.New[FileReceipt](),
	}
	c.touch()
	return c
}

func (c *Conversation) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conversation) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conversation) Name() string { return c.opts.Name }

func (c *Conversation) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Conversation) RemoteName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteName
}

func (c *Conversation) Started() bool {
	select {
	case <-c.started:
		return true
	default:
		return false
	}
}

func (c *Conversation) markStarted(remote string) {
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.remoteName = remote
		c.mu.Unlock()
		close(c.started)
	})
}

// setup opens the local listener and, when files are enabled, the file listener.
func (c *Conversation) setup(ctx context.Context, peer string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.listener != nil {
		c.mu.Unlock()
		return fmt.Errorf("conversation %s already set up", c.opts.Name)
	}
	c.peer = peer
	c.mu.Unlock()

	l, err := c.tx.Listen(context.Background(), c.opts.Name, c.onFrame, transmission.ListenerOptions{
		RecvTimeout: c.opts.RecvTimeout,
		Ordered:     true,
	})
	if err != nil {
		return err
	}

	var files *Listener
	if c.opts.Dir != "" {
		files, err = NewListener(context.Background(), c.tx, c.opts.Name+filesSuffix, c.onFileRequest)
		if err != nil {
			_ = l.Close()
			return err
		}
	}

	c.mu.Lock()
	c.listener, c.files = l, files
	c.mu.Unlock()
	return nil
}

// Start invites peer through its conversation listener remoteListener and waits
// until the peer joins.
func (c *Conversation) Start(ctx context.Context, peer, remoteListener string) error {
	if err := c.setup(ctx, peer); err != nil {
		return err
	}

	request := protocol.ControlFrame(protocol.ConversationRequest, c.opts.Name)
	if err := c.tx.Transmit(ctx, request, peer, remoteListener, c.opts.Send); err != nil {
		_ = c.Close()
		return err
	}

	timer := time.NewTimer(c.opts.StartTimeout)
	defer timer.Stop()

	select {
	case <-c.started:
		c.logger.WithFields(logrus.Fields{"peer": peer, "remote": c.RemoteName()}).Info("Conversation started")
		return nil
	case <-timer.C:
		_ = c.Close()
		return errs.New(errs.KindCommunicationTimeout, "%s did not join conversation %s within %s", peer, c.opts.Name, c.opts.StartTimeout)
	case <-ctx.Done():
		_ = c.Close()
		return ctx.Err()
	}
}

// Join answers an invitation from peer whose conversation listens on remoteName.
func (c *Conversation) Join(ctx context.Context, peer, remoteName string) error {
	if err := c.setup(ctx, peer); err != nil {
		return err
	}

	select {
	case <-time.After(c.opts.JoinDelay):
	case <-ctx.Done():
		_ = c.Close()
		return ctx.Err()
	}

	// Started before the accept frame goes out: the initiator may speak as soon as
	// it reads that frame, possibly before our transmission is acknowledged.
	c.markStarted(remoteName)

	accept := protocol.ControlFrame(protocol.ConversationAccept, c.opts.Name)
	if err := c.tx.Transmit(ctx, accept, peer, remoteName, c.opts.Send); err != nil {
		_ = c.Close()
		return err
	}
	c.logger.WithFields(logrus.Fields{"peer": peer, "remote": remoteName}).Info("Conversation joined")
	return nil
}

func (c *Conversation) onFrame(data []byte, peer string) {
	log := c.logger.WithField("peer", peer)
	if peer != c.Peer() {
		log.Warn("Dropping frame from a peer outside the conversation")
		return
	}
	c.touch()

	if !c.Started() {
		remote, ok := protocol.ParseControl(data, protocol.ConversationAccept)
		if !ok {
			log.Warnf("Dropping frame before %s", protocol.MsgConvAccept)
			return
		}
		c.markStarted(remote)
		return
	}

	if c.opts.Cipher != nil {
		plain, err := c.opts.Cipher.Decrypt(data)
		if err != nil {
			log.Warnf("Dropping undecryptable message: %v", err)
			return
		}
		data = plain
	}

	if c.opts.OnMessage != nil {
		c.opts.OnMessage(data, peer)
		return
	}
	c.messages.Push(data)
}

func (c *Conversation) waitStarted(ctx context.Context) error {
	select {
	case <-c.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Say sends data to the peer, waiting for the conversation to start first.
func (c *Conversation) Say(ctx context.Context, data []byte) error {
	if err := c.waitStarted(ctx); err != nil {
		return err
	}

	if c.opts.Cipher != nil {
		sealed, err := c.opts.Cipher.Encrypt(data)
		if err != nil {
			return errs.Wrap(errs.KindDataTransmission, err, "encrypt message")
		}
		data = sealed
	}

	c.mu.Lock()
	peer, remote, closed := c.peer, c.remoteName, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	return c.tx.Transmit(ctx, data, peer, remote, c.opts.Send)
}

// Listen returns the next message. A zero timeout waits until ctx ends.
func (c *Conversation) Listen(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	data, err := c.messages.Pop(ctx)
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, queue.ErrClosed):
		return nil, ErrClosed
	case errors.Is(err, context.DeadlineExceeded) && timeout > 0:
		return nil, errs.New(errs.KindConvListenTimeout, "no message on %s within %s", c.opts.Name, timeout)
	default:
		return nil, err
	}
}

// Close tears down the listener, then the file listener and any transfer in progress.
func (c *Conversation) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		l, files, onClose := c.listener, c.files, c.onClose
		receivers := make([]*Conversation, 0, len(c.receivers))
		for r := range c.receivers {
			receivers = append(receivers, r)
		}
		c.mu.Unlock()

		var errList []error
		if l != nil {
			errList = append(errList, l.Close())
		}
		if files != nil {
			errList = append(errList, files.Close())
		}
		for _, r := range receivers {
			errList = append(errList, r.Close())
		}

		c.messages.Close()
		c.receipts.Close()
		if onClose != nil {
			onClose()
		}
		c.closeErr = errors.Join(errList...)
		c.logger.Debug("Conversation closed")
	})
	return c.closeErr
}
