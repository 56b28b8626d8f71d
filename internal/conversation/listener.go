package conversation

import (
	"context"

	"github.com/rudransh-shrivastava/peer-link/internal/protocol"
	"github.com/rudransh-shrivastava/peer-link/internal/transmission"
)

// Request is an incoming invitation: the initiator's listener name and peer id.
type Request struct {
	ConvName string
	Peer     string
}

// Listener waits for conversation requests on one name. Each request runs fn on
// its own goroutine; fn usually builds a Conversation and calls Join.
type Listener struct {
	tl *transmission.Listener
}

func NewListener(ctx context.Context, tx *transmission.Transmitter, name string, fn func(Request)) (*Listener, error) {
	log := tx.Logger().WithField("listener", name)

	tl, err := tx.Listen(ctx, name, func(data []byte, peer string) {
		conv, ok := protocol.ParseControl(data, protocol.ConversationRequest)
		if !ok {
			log.WithField("peer", peer).Warnf("Ignoring frame that is not a %s", protocol.MsgConvRequest)
			return
		}
		fn(Request{ConvName: conv, Peer: peer})
	}, transmission.ListenerOptions{})
	if err != nil {
		return nil, err
	}
	return &Listener{tl: tl}, nil
}

func (l *Listener) Name() string { return l.tl.Name() }

func (l *Listener) Close() error {
	return l.tl.Close()
}
