package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfg = loadConfig(os.Getenv)

var rootCmd = &cobra.Command{
	Use:   `peerlink`,
	Short: "datagrams, conversations and files between peers over libp2p stream tunnels",
	Long: `peerlink sends datagrams, holds conversations and transfers files between peers.
Traffic travels through stream tunnels mounted on an IPFS daemon, or on a libp2p host
embedded in this process.`,
	SilenceUsage: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.APIAddr, "api", cfg.APIAddr, "kubo RPC API address, multiaddr or URL (PEERLINK_API)")
	flags.StringVar(&cfg.Mode, "mode", cfg.Mode, "daemon mode: rpc or embedded (PEERLINK_MODE)")
	flags.StringVar(&cfg.DBPath, "db", cfg.DBPath, "peer directory database, in memory when empty (PEERLINK_DB)")
	flags.StringVar(&cfg.IdentityPath, "identity", cfg.IdentityPath, "key file for the embedded host (PEERLINK_IDENTITY)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error (PEERLINK_LOG_LEVEL)")

	rootCmd.AddCommand(idCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendfileCmd)
	rootCmd.AddCommand(tunnelsCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(keygenCmd)
}
