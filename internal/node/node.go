// Package node assembles a daemon adapter, tunnel manager, transmitter and peer
// directory into one handle.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/peer-link/internal/daemon"
	"github.com/rudransh-shrivastava/peer-link/internal/logger"
	"github.com/rudransh-shrivastava/peer-link/internal/store"
	"github.com/rudransh-shrivastava/peer-link/internal/transmission"
	"github.com/rudransh-shrivastava/peer-link/internal/tunnel"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Node struct {
	id string

	daemon  daemon.Daemon
	manager *tunnel.Manager
	tx      *transmission.Transmitter
	peers   store.PeerRepository

	// owned resources, closed by Close
	closers []io.Closer
	db      *gorm.DB

	logger *logrus.Logger
}

func New(ctx context.Context, opts Options) (*Node, error) {
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}
	n := &Node{logger: log}

	d := opts.Daemon
	if d == nil {
		var err error
		d, err = n.openDaemon(opts, log)
		if err != nil {
			return nil, err
		}
	}
	n.daemon = d

	peers := opts.Peers
	if peers == nil {
		path := opts.DBPath
		if path == "" {
			path = ":memory:"
		}
		db, err := store.Open(path)
		if err != nil {
			_ = n.Close()
			return nil, err
		}
		n.db = db
		peers = store.NewPeerStore(db)
	}
	n.peers = peers

	topts := opts.Tunnel
	topts.Logger = log
	n.manager = tunnel.New(d, topts)
	n.tx = transmission.New(n.manager, transmission.Options{Logger: log})

	id, err := d.PeerID(ctx)
	if err != nil {
		_ = n.Close()
		return nil, fmt.Errorf("daemon unreachable: %w", err)
	}
	n.id = id

	log.WithField("peer", id).Info("Node ready")
	return n, nil
}

func (n *Node) openDaemon(opts Options, log *logrus.Logger) (daemon.Daemon, error) {
	switch opts.Mode {
	case ModeEmbedded:
		eopts := opts.Embedded
		eopts.Logger = log
		if opts.IdentityPath != "" && eopts.PrivKey == nil {
			key, err := daemon.LoadIdentity(opts.IdentityPath)
			if err != nil {
				return nil, err
			}
			eopts.PrivKey = key
		}
		e, err := daemon.NewEmbedded(eopts)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, e)
		return e, nil
	case ModeRPC, "":
		return daemon.NewRPC(daemon.RPCOptions{APIAddr: opts.APIAddr, Logger: log})
	default:
		return nil, fmt.Errorf("unknown daemon mode %q", opts.Mode)
	}
}

func (n *Node) ID() string { return n.id }

func (n *Node) Daemon() daemon.Daemon { return n.daemon }

func (n *Node) Manager() *tunnel.Manager { return n.manager }

func (n *Node) Transmitter() *transmission.Transmitter { return n.tx }

func (n *Node) Peers() store.PeerRepository { return n.peers }

func (n *Node) Logger() *logrus.Logger { return n.logger }

// Run blocks until ctx ends or the process is asked to stop.
func (n *Node) Run(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	n.logger.Info("Node is now running...")
	select {
	case <-sigChan:
	case <-ctx.Done():
	}
	n.logger.Info("Shutting down node...")
}

func (n *Node) Close() error {
	var errList []error
	if n.db != nil {
		if sqlDB, err := n.db.DB(); err == nil {
			errList = append(errList, sqlDB.Close())
		}
	}
	for _, c := range n.closers {
		errList = append(errList, c.Close())
	}
	return errors.Join(errList...)
}
