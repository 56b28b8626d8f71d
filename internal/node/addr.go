package node

import (
	ma "github.com/multiformats/go-multiaddr"
)

func withPeer(addr, peer string) string {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return addr
	}
	if _, err := m.ValueForProtocol(ma.P_P2P); err == nil {
		return addr
	}
	p2p, err := ma.NewComponent("p2p", peer)
	if err != nil {
		return addr
	}
	return m.Encapsulate(p2p).String()
}

// withoutPeer strips the trailing /p2p/ component, returning "" when nothing else remains.
func withoutPeer(addr string) string {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return ""
	}
	transport, _ := ma.SplitLast(m)
	if transport == nil {
		return ""
	}
	return transport.String()
}
