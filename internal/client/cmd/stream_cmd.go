package cmd

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rudransh-shrivastava/peer-link/internal/buffer"
	"github.com/rudransh-shrivastava/peer-link/internal/protocol"
	"github.com/spf13/cobra"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "raw byte streams without framing or acknowledgements",
}

var streamSendCmd = &cobra.Command{
	Use:   "send peer-id name",
	Short: "copy stdin to a stream receiver on a peer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		if err := n.EnsurePeer(ctx, args[0]); err != nil {
			return err
		}
		s, err := buffer.NewSender(ctx, n.Manager(), args[0], args[1])
		if err != nil {
			return err
		}
		defer s.Close()

		return copyToSender(ctx, s, cmd.InOrStdin())
	},
}

func copyToSender(ctx context.Context, s *buffer.Sender, in io.Reader) error {
	buf := make([]byte, protocol.DefaultBufferSize)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if err := s.Send(ctx, buf[:n]); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

var streamRecvOpts struct {
	idle time.Duration
}

var streamRecvCmd = &cobra.Command{
	Use:   "recv name",
	Short: "copy a stream to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		n, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		out := cmd.OutOrStdout()
		opts := buffer.ReceiverOptions{Inline: true}
		if streamRecvOpts.idle > 0 {
			opts.MonitorInterval = time.Second
			opts.OnIdle = func(idle time.Duration) {
				if idle >= streamRecvOpts.idle {
					n.Logger().Infof("No data for %s, stopping", idle.Round(time.Second))
					cancel()
				}
			}
		}

		r, err := buffer.NewReceiver(ctx, n.Manager(), args[0], func(data []byte) {
			_, _ = out.Write(data)
		}, opts)
		if err != nil {
			return err
		}
		defer r.Close()

		n.Logger().WithField("port", r.Port()).Debugf("Receiving %s", r.Name())
		n.Run(ctx)
		return nil
	},
}

func init() {
	streamRecvCmd.Flags().DurationVar(&streamRecvOpts.idle, "idle", 0, "stop after this long without data, 0 waits forever")
	streamCmd.AddCommand(streamSendCmd)
	streamCmd.AddCommand(streamRecvCmd)
}
