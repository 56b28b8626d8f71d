package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rudransh-shrivastava/peer-link/internal/daemon"
	"github.com/rudransh-shrivastava/peer-link/internal/logger"
	"github.com/rudransh-shrivastava/peer-link/internal/node"
	"github.com/sirupsen/logrus"
)

// Config holds the settings shared by every command.
type Config struct {
	APIAddr      string
	Mode         string
	DBPath       string
	IdentityPath string
	LogLevel     string
}

// loadConfig reads defaults, then the environment. Flags are bound on top of the
// result so they override both.
func loadConfig(getenv func(string) string) Config {
	cfg := Config{
		APIAddr:  daemon.DefaultAPIAddr,
		Mode:     string(node.ModeRPC),
		LogLevel: "info",
	}

	if v := getenv("PEERLINK_API"); v != "" {
		cfg.APIAddr = v
	}
	if v := getenv("PEERLINK_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := getenv("PEERLINK_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("PEERLINK_IDENTITY"); v != "" {
		cfg.IdentityPath = v
	}
	if v := getenv("PEERLINK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

func (c Config) logger() (*logrus.Logger, error) {
	level, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	// stdout carries command output.
	return logger.New(os.Stderr, level), nil
}

func (c Config) nodeOptions() (node.Options, error) {
	mode, ok := node.ParseMode(c.Mode)
	if !ok {
		return node.Options{}, fmt.Errorf("unknown mode %q, want %q or %q", c.Mode, node.ModeRPC, node.ModeEmbedded)
	}
	log, err := c.logger()
	if err != nil {
		return node.Options{}, err
	}

	opts := node.DefaultOptions()
	opts.Mode = mode
	opts.APIAddr = c.APIAddr
	opts.DBPath = c.DBPath
	opts.IdentityPath = c.IdentityPath
	opts.Logger = log
	return opts, nil
}

func openNode(ctx context.Context) (*node.Node, error) {
	opts, err := cfg.nodeOptions()
	if err != nil {
		return nil, err
	}
	return node.New(ctx, opts)
}
