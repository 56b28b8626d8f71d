package tunnel

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/rudransh-shrivastava/peer-link/internal/daemon"
	"github.com/rudransh-shrivastava/peer-link/internal/errs"
	"github.com/rudransh-shrivastava/peer-link/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, opts Options) (*Manager, *daemon.MemoryDaemon) {
	t.Helper()

	d := daemon.NewMemoryNetwork().NewDaemon("alice")
	t.Cleanup(func() { _ = d.Close() })

	opts.Logger = logger.Discard()
	return New(d, opts), d
}

// occupiedPort returns a loopback port held open until the test ends.
func occupiedPort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "/x/chat", Normalize("chat"))
	assert.Equal(t, "/x/chat", Normalize("/x/chat"))
	assert.Equal(t, "/x/chat", Normalize("/chat"))
	assert.Equal(t, "/x/20123", Normalize("20123"))
}

func TestOpenListenerIsForceful(t *testing.T) {
	ctx := context.Background()
	m, d := newManager(t, Options{})

	require.NoError(t, m.OpenListener(ctx, "chat", 41000))
	require.NoError(t, m.OpenListener(ctx, "chat", 41001))

	listeners, _, err := d.ListTunnels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []daemon.Tunnel{{Kind: daemon.KindListener, Name: "/x/chat", Port: 41001}}, listeners)
}

func TestOpenSenderAutoReplacesExisting(t *testing.T) {
	ctx := context.Background()
	m, d := newManager(t, Options{})

	_, err := m.OpenSenderAuto(ctx, "chat", "bob")
	require.NoError(t, err)
	port, err := m.OpenSenderAuto(ctx, "chat", "bob")
	require.NoError(t, err)

	_, senders, err := d.ListTunnels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []daemon.Tunnel{{Kind: daemon.KindSender, Name: "/x/chat", Port: port, Peer: "bob"}}, senders)
}

func TestOpenSenderAutoExhaustsRange(t *testing.T) {
	port := occupiedPort(t)
	m, _ := newManager(t, Options{PortLow: port, PortHigh: port + 1})

	_, err := m.OpenSenderAuto(context.Background(), "chat", "bob")
	assert.ErrorIs(t, err, errs.ErrIPFS)
	assert.Contains(t, err.Error(), "no free port")
}

func TestGenerateNameSkipsLiveAndReserved(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{})

	require.NoError(t, m.OpenListener(ctx, "conv_0", 41000))

	first, err := m.GenerateName(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, "conv_1", first)

	second, err := m.GenerateName(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, "conv_2", second)

	m.ReleaseName(first)
	third, err := m.GenerateName(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, "conv_1", third)
}

func TestGenerateNameConcurrent(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{})

	const n = 32
	names := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, err := m.GenerateName(ctx, "file")
			assert.NoError(t, err)
			names <- name
		}()
	}
	wg.Wait()
	close(names)

	seen := make(map[string]bool)
	for name := range names {
		assert.False(t, seen[name], "duplicate name %s", name)
		seen[name] = true
	}
	assert.Len(t, seen, n)
}

func TestScopedClose(t *testing.T) {
	ctx := context.Background()
	m, d := newManager(t, Options{})

	require.NoError(t, m.OpenListener(ctx, "a", 41000))
	require.NoError(t, m.OpenListener(ctx, "b", 41001))
	_, err := m.OpenSenderAuto(ctx, "a", "bob")
	require.NoError(t, err)

	assert.ErrorIs(t, m.CloseListener(ctx, daemon.Filter{}), errs.ErrIPFS)

	require.NoError(t, m.CloseListener(ctx, daemon.Filter{Name: "a"}))
	listeners, senders, err := d.ListTunnels(ctx)
	require.NoError(t, err)
	assert.Len(t, listeners, 1)
	assert.Len(t, senders, 1)

	require.NoError(t, m.CloseAll(ctx, "a"))
	_, senders, err = d.ListTunnels(ctx)
	require.NoError(t, err)
	assert.Empty(t, senders)
}

func TestKeyLocksAreReleased(t *testing.T) {
	m, _ := newManager(t, Options{})

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		inside = map[string]int{}
		clash  bool
	)
	for i := 0; i < 40; i++ {
		name := []string{"/x/20001", "/x/20002"}[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.lockKey(name, "bob")
			defer unlock()

			mu.Lock()
			inside[name]++
			clash = clash || inside[name] > 1
			mu.Unlock()

			mu.Lock()
			inside[name]--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.False(t, clash)
	m.keysMu.Lock()
	defer m.keysMu.Unlock()
	assert.Empty(t, m.keys)
}
