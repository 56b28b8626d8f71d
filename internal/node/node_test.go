package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-link/internal/daemon"
	"github.com/rudransh-shrivastava/peer-link/internal/errs"
	"github.com/rudransh-shrivastava/peer-link/internal/logger"
	"github.com/rudransh-shrivastava/peer-link/internal/transmission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N"
	bob   = "QmcgpsyWgH8Y8ajJz1Cu72KnS5uo2Aa2LpzU7kinSupNKC"
)

// unrouted hides peers from lookups so only explicit dials reach them.
type unrouted struct {
	*daemon.MemoryDaemon

	mu     sync.Mutex
	dialed []string
}

func (u *unrouted) FindPeer(_ context.Context, peer string) ([]string, error) {
	return nil, errs.New(errs.KindIPFS, "routing/findpeer: %s not found", peer)
}

func (u *unrouted) IsPeerConnected(context.Context, string) (bool, error) {
	return false, nil
}

func (u *unrouted) Connect(ctx context.Context, addr string) error {
	u.mu.Lock()
	u.dialed = append(u.dialed, addr)
	u.mu.Unlock()
	return u.MemoryDaemon.Connect(ctx, addr)
}

func newNode(t *testing.T, d daemon.Daemon) *Node {
	t.Helper()

	opts := DefaultOptions()
	opts.Daemon = d
	opts.Logger = logger.Discard()
	n, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNewAssemblesStack(t *testing.T) {
	network := daemon.NewMemoryNetwork()
	n := newNode(t, network.NewDaemon(alice))

	assert.Equal(t, alice, n.ID())
	assert.NotNil(t, n.Manager())
	assert.NotNil(t, n.Transmitter())
	assert.NotNil(t, n.Peers())
	assert.Same(t, n.Manager(), n.Transmitter().Manager())
}

func TestNewUnknownMode(t *testing.T) {
	opts := DefaultOptions()
	opts.Mode = "carrier-pigeon"
	opts.Logger = logger.Discard()
	_, err := New(context.Background(), opts)
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, ok := ParseMode("embedded")
	assert.True(t, ok)
	assert.Equal(t, ModeEmbedded, m)

	_, ok = ParseMode("ipfs")
	assert.False(t, ok)
}

func TestEnsurePeerRemembersFoundPeer(t *testing.T) {
	ctx := context.Background()
	network := daemon.NewMemoryNetwork()
	n := newNode(t, network.NewDaemon(alice))
	network.NewDaemon(bob)

	require.NoError(t, n.EnsurePeer(ctx, bob))

	addrs, err := n.Peers().Addresses(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/4001"}, addrs)
}

// lookupCounter counts routing lookups.
type lookupCounter struct {
	*daemon.MemoryDaemon

	mu      sync.Mutex
	lookups int
}

func (l *lookupCounter) FindPeer(ctx context.Context, peer string) ([]string, error) {
	l.mu.Lock()
	l.lookups++
	l.mu.Unlock()
	return l.MemoryDaemon.FindPeer(ctx, peer)
}

func TestEnsurePeerSkipsLookupWhenConnected(t *testing.T) {
	ctx := context.Background()
	network := daemon.NewMemoryNetwork()
	d := &lookupCounter{MemoryDaemon: network.NewDaemon(alice)}
	n := newNode(t, d)
	network.NewDaemon(bob)

	require.NoError(t, n.EnsurePeer(ctx, bob))
	require.NoError(t, n.EnsurePeer(ctx, bob))
	require.NoError(t, n.EnsurePeer(ctx, bob))

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, 1, d.lookups)
}

func TestEnsurePeerFallsBackToStoredAddresses(t *testing.T) {
	ctx := context.Background()
	network := daemon.NewMemoryNetwork()
	d := &unrouted{MemoryDaemon: network.NewDaemon(alice)}
	n := newNode(t, d)
	network.NewDaemon(bob)

	err := n.EnsurePeer(ctx, bob)
	assert.ErrorIs(t, err, errs.ErrPeerNotFound)

	require.NoError(t, n.Peers().Remember(ctx, bob, []string{"/ip4/10.0.0.2/tcp/4001"}))
	require.NoError(t, n.EnsurePeer(ctx, bob))

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, []string{"/ip4/10.0.0.2/tcp/4001/p2p/" + bob}, d.dialed)
}

func TestEnsurePeerGoneForGood(t *testing.T) {
	ctx := context.Background()
	network := daemon.NewMemoryNetwork()
	d := &unrouted{MemoryDaemon: network.NewDaemon(alice)}
	n := newNode(t, d)

	require.NoError(t, n.Peers().Remember(ctx, bob, []string{"/ip4/10.0.0.2/tcp/4001", "/ip4/10.0.0.3/tcp/4001"}))
	err := n.EnsurePeer(ctx, bob)
	assert.ErrorIs(t, err, errs.ErrPeerNotFound)
	assert.Len(t, d.dialed, 2)
}

func TestConnectStoresTransportAddress(t *testing.T) {
	ctx := context.Background()
	network := daemon.NewMemoryNetwork()
	n := newNode(t, network.NewDaemon(alice))
	network.NewDaemon(bob)

	require.NoError(t, n.Connect(ctx, "/ip4/10.0.0.2/tcp/4001/p2p/"+bob))
	addrs, err := n.Peers().Addresses(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, []string{"/ip4/10.0.0.2/tcp/4001"}, addrs)

	err = n.Connect(ctx, "/ip4/10.0.0.2/tcp/4001")
	assert.ErrorIs(t, err, errs.ErrInvalidPeer)
}

func TestPing(t *testing.T) {
	ctx := context.Background()
	network := daemon.NewMemoryNetwork()
	n := newNode(t, network.NewDaemon(alice))
	b := network.NewDaemon(bob)

	ratio, err := n.Ping(ctx, bob, 4)
	require.NoError(t, err)
	assert.Equal(t, 1.0, ratio)

	require.NoError(t, b.Close())
	ratio, err = n.Ping(ctx, bob, 4)
	require.NoError(t, err)
	assert.Equal(t, 0.0, ratio)
}

func TestNodesExchangeTransmissions(t *testing.T) {
	ctx := context.Background()
	network := daemon.NewMemoryNetwork()
	a := newNode(t, network.NewDaemon(alice))
	b := newNode(t, network.NewDaemon(bob))

	got := make(chan string, 1)
	l, err := b.Transmitter().Listen(ctx, "node_test", func(data []byte, peer string) {
		got <- peer + ":" + string(data)
	}, transmission.ListenerOptions{})
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	require.NoError(t, a.EnsurePeer(ctx, bob))
	require.NoError(t, a.Transmitter().Transmit(ctx, []byte("hi"), bob, "node_test", transmission.SendOptions{}))

	select {
	case msg := <-got:
		assert.Equal(t, alice+":hi", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("transmission never delivered")
	}
}

func TestRunStopsWithContext(t *testing.T) {
	network := daemon.NewMemoryNetwork()
	n := newNode(t, network.NewDaemon(alice))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAddressHelpers(t *testing.T) {
	assert.Equal(t, "/ip4/1.2.3.4/tcp/1/p2p/"+bob, withPeer("/ip4/1.2.3.4/tcp/1", bob))
	assert.Equal(t, "/ip4/1.2.3.4/tcp/1/p2p/"+bob, withPeer("/ip4/1.2.3.4/tcp/1/p2p/"+bob, bob))
	assert.Equal(t, "/ip4/1.2.3.4/tcp/1", withoutPeer("/ip4/1.2.3.4/tcp/1/p2p/"+bob))
	assert.Equal(t, "", withoutPeer("/p2p/"+bob))
}
