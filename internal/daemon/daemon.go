// Package daemon is the narrow control surface the transport needs from an IPFS daemon:
// identity, libp2p stream-mount tunnels and peer liveness.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

type Daemon interface {
	PeerID(ctx context.Context) (string, error)
	Addresses(ctx context.Context) ([]string, error)
	// HostIP is the address the daemon forwards tunnel traffic to and from.
	HostIP() net.IP

	OpenListener(ctx context.Context, name string, port int) error
	OpenSender(ctx context.Context, name string, port int, peer string) error
	CloseListener(ctx context.Context, f Filter) error
	CloseSender(ctx context.Context, f Filter) error
	ListTunnels(ctx context.Context) (listeners, senders []Tunnel, err error)

	FindPeer(ctx context.Context, peer string) ([]string, error)
	IsPeerConnected(ctx context.Context, peer string) (bool, error)
	Connect(ctx context.Context, addr string) error
	Ping(ctx context.Context, peer string, count int) ([]bool, error)
}

type TunnelKind int

const (
	KindListener TunnelKind = iota
	KindSender
)

func (k TunnelKind) String() string {
	if k == KindListener {
		return "listener"
	}
	return "sender"
}

// Tunnel is a listener (Name -> local Port) or a sender (local Port -> Peer on Name).
type Tunnel struct {
	Kind TunnelKind
	Name string
	Port int
	Peer string
}

func (t Tunnel) String() string {
	if t.Kind == KindListener {
		return fmt.Sprintf("%s -> :%d", t.Name, t.Port)
	}
	return fmt.Sprintf(":%d -> %s %s", t.Port, t.Peer, t.Name)
}

// Filter scopes a close. Zero fields match anything.
type Filter struct {
	Name string
	Port int
	Peer string
}

func (f Filter) Empty() bool {
	return f.Name == "" && f.Port == 0 && f.Peer == ""
}

func (f Filter) Match(t Tunnel) bool {
	if f.Name != "" && f.Name != t.Name {
		return false
	}
	if f.Port != 0 && f.Port != t.Port {
		return false
	}
	if f.Peer != "" && f.Peer != t.Peer {
		return false
	}
	return true
}

// TCPAddr renders /ip4/{ip}/tcp/{port} (or /ip6/...).
func TCPAddr(ip net.IP, port int) (ma.Multiaddr, error) {
	return manet.FromNetAddr(&net.TCPAddr{IP: ip, Port: port})
}

// PortOf extracts the tcp port of a multiaddr string.
func PortOf(addr string) (int, error) {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return 0, err
	}
	v, err := m.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

// PeerOf extracts the /p2p/ component of a multiaddr string.
func PeerOf(addr string) (string, error) {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", err
	}
	return m.ValueForProtocol(ma.P_P2P)
}

// IsAddrInUse reports whether err is a port conflict, locally or as reported by a daemon.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}

type closeWriter interface {
	CloseWrite() error
}

// pipe copies both directions until each side finishes, half-closing where supported.
func pipe(a, b io.ReadWriteCloser) {
	var wg sync.WaitGroup
	wg.Add(2)

	cp := func(dst, src io.ReadWriteCloser) {
		defer wg.Done()
		if _, err := io.Copy(dst, src); err != nil {
			_ = dst.Close()
			_ = src.Close()
			return
		}
		if cw, ok := dst.(closeWriter); ok {
			_ = cw.CloseWrite()
			return
		}
		_ = dst.Close()
	}

	go cp(a, b)
	go cp(b, a)
	wg.Wait()

	_ = a.Close()
	_ = b.Close()
}
