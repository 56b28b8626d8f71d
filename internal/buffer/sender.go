// Package buffer streams raw bytes through a single tunnel without framing or
// acknowledgements.
package buffer

import (
	"context"
	"net"
	"sync"

	"github.com/rudransh-shrivastava/peer-link/internal/daemon"
	"github.com/rudransh-shrivastava/peer-link/internal/errs"
	"github.com/rudransh-shrivastava/peer-link/internal/protocol"
	"github.com/rudransh-shrivastava/peer-link/internal/tunnel"
	"github.com/sirupsen/logrus"
)

// Sender writes raw bytes to a named listener on one peer.
type Sender struct {
	manager *tunnel.Manager
	peer    string
	name    string
	logger  *logrus.Entry

	mu     sync.Mutex
	conn   net.Conn
	port   int
	closed bool
}

// NewSender opens a sender tunnel to name on peer and connects to it.
func NewSender(ctx context.Context, manager *tunnel.Manager, peer, name string) (*Sender, error) {
	s := &Sender{
		manager: manager,
		peer:    peer,
		name:    tunnel.Normalize(name),
		logger:  manager.Logger().WithFields(logrus.Fields{"buffer": tunnel.Normalize(name), "peer": peer}),
	}
	if err := s.open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sender) open(ctx context.Context) error {
	conn, port, err := s.manager.Dial(ctx, s.name, s.peer, protocol.DefaultSendTimeout)
	if err != nil {
		return err
	}
	s.conn, s.port = conn, port
	s.logger.WithField("port", port).Debug("Buffer sender connected")
	return nil
}

func (s *Sender) drop() {
	if s.conn == nil {
		return
	}
	_ = s.conn.Close()
	_ = s.manager.CloseSender(context.Background(), daemon.Filter{Name: s.name, Port: s.port, Peer: s.peer})
	s.conn = nil
}

// Send writes data. A failed write re-opens the tunnel and is retried once.
func (s *Sender) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.New(errs.KindDataTransmission, "buffer sender %s closed", s.name)
	}

	if s.conn != nil {
		_, err := s.conn.Write(data)
		if err == nil {
			return nil
		}
		s.logger.Warnf("Write failed, reopening tunnel: %v", err)
		s.drop()
	}

	if err := s.open(ctx); err != nil {
		return err
	}
	if _, err := s.conn.Write(data); err != nil {
		s.drop()
		return errs.Wrap(errs.KindDataTransmission, err, "write to %s", s.name)
	}
	return nil
}

func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.drop()
	return nil
}
