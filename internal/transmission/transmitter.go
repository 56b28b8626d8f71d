// Package transmission delivers one byte payload per call over a freshly negotiated
// tunnel: request, accept with a data port, framed data, acknowledgement.
package transmission

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/rudransh-shrivastava/peer-link/internal/daemon"
	"github.com/rudransh-shrivastava/peer-link/internal/errs"
	"github.com/rudransh-shrivastava/peer-link/internal/logger"
	"github.com/rudransh-shrivastava/peer-link/internal/protocol"
	"github.com/rudransh-shrivastava/peer-link/internal/tunnel"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Logger *logrus.Logger
}

// SendOptions tune one Transmit call. Zero values take the defaults; a negative
// Retries retries the request phase until ctx ends.
type SendOptions struct {
	Timeout time.Duration
	Retries int
}

func (o SendOptions) withDefaults() SendOptions {
	if o.Timeout <= 0 {
		o.Timeout = protocol.DefaultSendTimeout
	}
	if o.Retries == 0 {
		o.Retries = protocol.DefaultRetries
	}
	return o
}

type Transmitter struct {
	manager *tunnel.Manager
	logger  *logrus.Logger
}

func New(manager *tunnel.Manager, opts Options) *Transmitter {
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}
	return &Transmitter{manager: manager, logger: opts.Logger}
}

func (t *Transmitter) Manager() *tunnel.Manager {
	return t.manager
}

func (t *Transmitter) Logger() *logrus.Logger {
	return t.logger
}

// Transmit delivers data to the handler of listener on peer. Only the request
// phase is retried; once the data port is known the payload is sent at most once.
func (t *Transmitter) Transmit(ctx context.Context, data []byte, peer, listener string, opts SendOptions) error {
	opts = opts.withDefaults()

	self, err := t.manager.PeerID(ctx)
	if err != nil {
		return err
	}
	if peer == self {
		return errs.New(errs.KindInvalidPeer, "cannot transmit to own peer id %s", peer)
	}

	log := t.logger.WithFields(logrus.Fields{"peer": peer, "listener": listener})

	port, err := t.request(ctx, self, peer, listener, opts, log)
	if err != nil {
		return err
	}
	log.WithField("port", port).Debugf("%s accepted", protocol.MsgRequest)

	return t.sendData(ctx, data, peer, port, opts.Timeout)
}

var errAttemptFailed = errors.New("request attempt failed")

func (t *Transmitter) request(ctx context.Context, self, peer, listener string, opts SendOptions, log *logrus.Entry) (int, error) {
	frame := protocol.RequestFrame(self)

	for attempt := 1; opts.Retries < 0 || attempt <= opts.Retries; attempt++ {
		started := time.Now()

		port, err := t.requestOnce(ctx, frame, peer, listener, opts.Timeout)
		if err == nil {
			return port, nil
		}
		if !errors.Is(err, errAttemptFailed) {
			return 0, err
		}
		log.Debugf("Request attempt %d failed: %v", attempt, err)

		// A daemon that cannot reach the peer hangs up at once; spend the rest of
		// the attempt window so retries keep their timeout spacing.
		if rest := opts.Timeout - time.Since(started); rest > 0 {
			select {
			case <-time.After(rest):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}

	return 0, errs.New(errs.KindCommunicationTimeout, "no reply from %s on %s after %d attempts of %s",
		peer, listener, opts.Retries, opts.Timeout)
}

func (t *Transmitter) requestOnce(ctx context.Context, frame []byte, peer, listener string, timeout time.Duration) (int, error) {
	conn, port, err := t.manager.Dial(ctx, listener, peer, timeout)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if errs.KindOf(err) == errs.KindIPFS {
			return 0, err
		}
		return 0, errors.Join(errAttemptFailed, err)
	}
	defer func() {
		_ = conn.Close()
		_ = t.manager.CloseSender(context.Background(), daemon.Filter{Name: listener, Port: port, Peer: peer})
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := protocol.SendFramed(conn, frame); err != nil {
		return 0, errors.Join(errAttemptFailed, err)
	}

	reply, err := protocol.RecvOnce(conn, protocol.DefaultBufferSize, timeout)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, errs.ErrCommunicationTimeout) {
			return 0, errors.Join(errAttemptFailed, err)
		}
		return 0, errs.Wrap(errs.KindDataTransmission, err, "read request reply")
	}

	return protocol.ParseAcceptReply(reply)
}

func (t *Transmitter) sendData(ctx context.Context, data []byte, peer string, port int, timeout time.Duration) error {
	name := strconv.Itoa(port)

	conn, sport, err := t.manager.Dial(ctx, name, peer, timeout)
	if err != nil {
		if errs.KindOf(err) == errs.KindIPFS {
			return err
		}
		return errs.Wrap(errs.KindDataTransmission, err, "connect data port %d", port)
	}
	defer func() {
		_ = conn.Close()
		_ = t.manager.CloseSender(context.Background(), daemon.Filter{Name: name, Port: sport, Peer: peer})
	}()

	if err := protocol.SendFramed(conn, data); err != nil {
		return errs.Wrap(errs.KindDataTransmission, err, "send %d bytes", len(data))
	}

	reply, err := protocol.RecvOnce(conn, protocol.DefaultBufferSize, timeout)
	if err != nil {
		if errors.Is(err, errs.ErrCommunicationTimeout) {
			return err
		}
		return errs.Wrap(errs.KindUnreadableReply, err, "no %s from %s", protocol.MsgAck, peer)
	}
	if !bytes.Equal(reply, []byte(protocol.Finished)) {
		return errs.New(errs.KindUnreadableReply, "unexpected %s %q", protocol.MsgAck, reply)
	}
	return nil
}
