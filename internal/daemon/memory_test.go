package daemon

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-link/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort reserves an ephemeral loopback port and releases it for the caller.
func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// echoServer answers every connection with the bytes it receives.
func echoServer(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func roundTrip(t *testing.T, port int, msg string) (string, error) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), time.Second)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write([]byte(msg)); err != nil {
		return "", err
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func TestMemoryNetworkForwardsToListener(t *testing.T) {
	ctx := context.Background()
	network := NewMemoryNetwork()
	alice := network.NewDaemon("alice")
	bob := network.NewDaemon("bob")
	defer func() { _ = alice.Close() }()
	defer func() { _ = bob.Close() }()

	require.NoError(t, bob.OpenListener(ctx, "/x/echo", echoServer(t)))

	port := freePort(t)
	require.NoError(t, alice.OpenSender(ctx, "/x/echo", port, "bob"))

	got, err := roundTrip(t, port, "Hello there!")
	require.NoError(t, err)
	assert.Equal(t, "Hello there!", got)

	_, senders, err := alice.ListTunnels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Tunnel{{Kind: KindSender, Name: "/x/echo", Port: port, Peer: "bob"}}, senders)
}

func TestMemoryNetworkUnknownTargetHangsUp(t *testing.T) {
	ctx := context.Background()
	network := NewMemoryNetwork()
	alice := network.NewDaemon("alice")
	defer func() { _ = alice.Close() }()

	port := freePort(t)
	require.NoError(t, alice.OpenSender(ctx, "/x/nope", port, "ghost"))

	_, err := roundTrip(t, port, "x")
	assert.Error(t, err)
}

func TestMemoryDaemonListenerRules(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryNetwork().NewDaemon("alice")

	require.NoError(t, d.OpenListener(ctx, "/x/a", 41000))
	err := d.OpenListener(ctx, "/x/a", 41001)
	assert.ErrorIs(t, err, errs.ErrIPFS)
	assert.Contains(t, err.Error(), "listener already registered")

	require.NoError(t, d.CloseListener(ctx, Filter{Port: 41000}))
	require.NoError(t, d.CloseListener(ctx, Filter{Name: "/x/missing"}))

	listeners, _, err := d.ListTunnels(ctx)
	require.NoError(t, err)
	assert.Empty(t, listeners)
}

func TestMemoryDaemonSenderPortInUse(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryNetwork().NewDaemon("alice")
	defer func() { _ = d.Close() }()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	err = d.OpenSender(ctx, "/x/a", ln.Addr().(*net.TCPAddr).Port, "bob")
	require.Error(t, err)
	assert.True(t, IsAddrInUse(err))
}

func TestMemoryDaemonLiveness(t *testing.T) {
	ctx := context.Background()
	network := NewMemoryNetwork()
	alice := network.NewDaemon("alice")
	bob := network.NewDaemon("bob")

	ok, err := alice.IsPeerConnected(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = alice.FindPeer(ctx, "bob")
	require.NoError(t, err)

	require.NoError(t, bob.Close())

	_, err = alice.FindPeer(ctx, "bob")
	assert.ErrorIs(t, err, errs.ErrIPFS)

	results, err := alice.Ping(ctx, "bob", 3)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, false}, results)
}
