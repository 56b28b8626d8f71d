package store

import "context"

// PeerRepository remembers how to reach peers between runs.
type PeerRepository interface {
	Remember(ctx context.Context, peerID string, addrs []string) error
	Addresses(ctx context.Context, peerID string) ([]string, error)
	List(ctx context.Context) ([]Peer, error)
	Forget(ctx context.Context, peerID string) error
}

var _ PeerRepository = (*PeerStore)(nil)
