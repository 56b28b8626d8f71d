package node

import (
	"context"

	"github.com/rudransh-shrivastava/peer-link/internal/daemon"
	"github.com/rudransh-shrivastava/peer-link/internal/errs"
	"github.com/sirupsen/logrus"
)

// EnsurePeer checks that peer is reachable. A connected peer the directory
// already knows needs no lookup. A successful lookup refreshes the peer
// directory; a failed one falls back to dialling the addresses stored there.
func (n *Node) EnsurePeer(ctx context.Context, peer string) error {
	log := n.logger.WithField("peer", peer)

	if n.knownAndConnected(ctx, peer) {
		if err := n.peers.Remember(ctx, peer, nil); err != nil {
			log.Warnf("Failed to remember peer: %v", err)
		}
		log.Debug("Already connected")
		return nil
	}

	addrs, findErr := n.daemon.FindPeer(ctx, peer)
	if findErr == nil {
		if err := n.peers.Remember(ctx, peer, addrs); err != nil {
			log.Warnf("Failed to remember peer: %v", err)
		}
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log.Debugf("Lookup failed, trying stored addresses: %v", findErr)

	stored, err := n.peers.Addresses(ctx, peer)
	if err != nil {
		return errs.Wrap(errs.KindPeerNotFound, findErr, "%s", peer)
	}

	for _, addr := range stored {
		full := withPeer(addr, peer)
		if err := n.daemon.Connect(ctx, full); err != nil {
			log.WithField("addr", full).Debugf("Dial failed: %v", err)
			continue
		}
		if err := n.peers.Remember(ctx, peer, nil); err != nil {
			log.Warnf("Failed to remember peer: %v", err)
		}
		log.WithField("addr", addr).Info("Reconnected through stored address")
		return nil
	}
	return errs.Wrap(errs.KindPeerNotFound, findErr, "%s: none of %d stored addresses answered", peer, len(stored))
}

func (n *Node) knownAndConnected(ctx context.Context, peer string) bool {
	connected, err := n.daemon.IsPeerConnected(ctx, peer)
	if err != nil || !connected {
		return false
	}
	stored, err := n.peers.Addresses(ctx, peer)
	return err == nil && len(stored) > 0
}

// Connect dials addr, a multiaddr ending in /p2p/{peer}, and stores the transport
// part on success.
func (n *Node) Connect(ctx context.Context, addr string) error {
	peer, err := daemon.PeerOf(addr)
	if err != nil {
		return errs.Wrap(errs.KindInvalidPeer, err, "address %q names no peer", addr)
	}
	if err := n.daemon.Connect(ctx, addr); err != nil {
		return err
	}

	transport := withoutPeer(addr)
	var addrs []string
	if transport != "" {
		addrs = []string{transport}
	}
	if err := n.peers.Remember(ctx, peer, addrs); err != nil {
		n.logger.WithFields(logrus.Fields{"peer": peer, "addr": addr}).Warnf("Failed to remember peer: %v", err)
	}
	return nil
}

// Ping reports the fraction of count pings peer answered.
func (n *Node) Ping(ctx context.Context, peer string, count int) (float64, error) {
	results, err := n.daemon.Ping(ctx, peer, count)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	ok := 0
	for _, r := range results {
		if r {
			ok++
		}
	}
	return float64(ok) / float64(len(results)), nil
}
