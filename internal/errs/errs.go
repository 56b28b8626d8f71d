// Package errs holds the failure kinds surfaced by every transport layer.
package errs

import (
	"errors"
	"fmt"
)

type Kind uint16

const (
	KindUnknown              Kind = 0x0000
	KindInvalidPeer          Kind = 0x0001
	KindPeerNotFound         Kind = 0x0002
	KindCommunicationTimeout Kind = 0x0003
	KindConvListenTimeout    Kind = 0x0004
	KindUnreadableReply      Kind = 0x0005
	KindDataTransmission     Kind = 0x0006
	KindIPFS                 Kind = 0x00FF
)

func (k Kind) String() string {
	switch k {
	case KindInvalidPeer:
		return "INVALID_PEER"
	case KindPeerNotFound:
		return "PEER_NOT_FOUND"
	case KindCommunicationTimeout:
		return "COMMUNICATION_TIMEOUT"
	case KindConvListenTimeout:
		return "CONV_LISTEN_TIMEOUT"
	case KindUnreadableReply:
		return "UNREADABLE_REPLY"
	case KindDataTransmission:
		return "DATA_TRANSMISSION_ERROR"
	case KindIPFS:
		return "IPFS_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Error is a tagged failure. Two errors match under errors.Is when their kinds are equal.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidPeer          = &Error{Kind: KindInvalidPeer}
	ErrPeerNotFound         = &Error{Kind: KindPeerNotFound}
	ErrCommunicationTimeout = &Error{Kind: KindCommunicationTimeout}
	ErrConvListenTimeout    = &Error{Kind: KindConvListenTimeout}
	ErrUnreadableReply      = &Error{Kind: KindUnreadableReply}
	ErrDataTransmission     = &Error{Kind: KindDataTransmission}
	ErrIPFS                 = &Error{Kind: KindIPFS}
)

func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
