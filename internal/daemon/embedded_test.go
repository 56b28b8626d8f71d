package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-link/internal/errs"
	"github.com/rudransh-shrivastava/peer-link/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmbedded(t *testing.T) *Embedded {
	t.Helper()

	e, err := NewEmbedded(EmbeddedOptions{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		Logger:      logger.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEmbeddedStreamMount(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := newEmbedded(t)
	bob := newEmbedded(t)

	bobAddrs, err := bob.Addresses(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, bobAddrs)
	require.NoError(t, alice.Connect(ctx, bobAddrs[0]))

	bobID, err := bob.PeerID(ctx)
	require.NoError(t, err)

	ok, err := alice.IsPeerConnected(ctx, bobID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, bob.OpenListener(ctx, "/x/echo", echoServer(t)))

	port := freePort(t)
	require.NoError(t, alice.OpenSender(ctx, "/x/echo", port, bobID))

	got, err := roundTrip(t, port, "Hello there!")
	require.NoError(t, err)
	assert.Equal(t, "Hello there!", got)

	results, err := alice.Ping(ctx, bobID, 2)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, results)

	require.NoError(t, alice.CloseSender(ctx, Filter{Peer: bobID}))
	_, senders, err := alice.ListTunnels(ctx)
	require.NoError(t, err)
	assert.Empty(t, senders)
}

func TestEmbeddedRejectsDuplicateListener(t *testing.T) {
	ctx := context.Background()
	e := newEmbedded(t)

	require.NoError(t, e.OpenListener(ctx, "/x/dup", 41000))
	err := e.OpenListener(ctx, "/x/dup", 41001)
	assert.ErrorIs(t, err, errs.ErrIPFS)

	require.NoError(t, e.CloseListener(ctx, Filter{Name: "/x/dup"}))
	require.NoError(t, e.OpenListener(ctx, "/x/dup", 41001))
}

func TestEmbeddedUnknownPeer(t *testing.T) {
	ctx := context.Background()
	e := newEmbedded(t)

	_, err := e.FindPeer(ctx, remoteID)
	assert.ErrorIs(t, err, errs.ErrIPFS)

	err = e.OpenSender(ctx, "/x/a", freePort(t), "not-a-peer")
	assert.ErrorIs(t, err, errs.ErrIPFS)
}

func TestLoadIdentityPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	first, err := LoadIdentity(path)
	require.NoError(t, err)
	second, err := LoadIdentity(path)
	require.NoError(t, err)
	assert.True(t, first.Equals(second))
}
