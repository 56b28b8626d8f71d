package node

import (
	"github.com/rudransh-shrivastava/peer-link/internal/daemon"
	"github.com/rudransh-shrivastava/peer-link/internal/store"
	"github.com/rudransh-shrivastava/peer-link/internal/tunnel"
	"github.com/sirupsen/logrus"
)

// Mode selects which daemon carries the tunnels.
type Mode string

const (
	// ModeRPC drives an external kubo daemon over its HTTP RPC API.
	ModeRPC Mode = "rpc"
	// ModeEmbedded runs a libp2p host inside this process.
	ModeEmbedded Mode = "embedded"
)

type Options struct {
	Mode    Mode
	APIAddr string

	// Embedded configures ModeEmbedded; IdentityPath, when set, persists its key.
	Embedded     daemon.EmbeddedOptions
	IdentityPath string

	// DBPath locates the peer directory; empty keeps it in memory.
	DBPath string

	Tunnel tunnel.Options

	// Daemon and Peers replace the ones New would build. The node does not close them.
	Daemon daemon.Daemon
	Peers  store.PeerRepository

	Logger *logrus.Logger
}

func DefaultOptions() Options {
	return Options{
		Mode:     ModeRPC,
		APIAddr:  daemon.DefaultAPIAddr,
		Embedded: daemon.DefaultEmbeddedOptions(),
		Tunnel:   tunnel.DefaultOptions(),
	}
}

func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeRPC, ModeEmbedded:
		return Mode(s), true
	default:
		return "", false
	}
}
