package cmd

import (
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/peer-link/internal/protocol"
	"github.com/rudransh-shrivastava/peer-link/internal/transmission"
	"github.com/spf13/cobra"
)

var sendOpts struct {
	timeout time.Duration
	retries int
}

var sendCmd = &cobra.Command{
	Use:   "send peer-id listener message",
	Short: "transmit one message to a listener on a peer",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, listener, message := args[0], args[1], args[2]
		ctx := cmd.Context()

		n, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		if err := n.EnsurePeer(ctx, peer); err != nil {
			return err
		}
		err = n.Transmitter().Transmit(ctx, []byte(message), peer, listener, transmission.SendOptions{
			Timeout: sendOpts.timeout,
			Retries: sendOpts.retries,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "sent")
		return nil
	},
}

var listenOpts struct {
	ordered bool
}

var listenCmd = &cobra.Command{
	Use:   "listen name",
	Short: "print every message transmitted to a listener",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		out := cmd.OutOrStdout()
		l, err := n.Transmitter().Listen(ctx, args[0], func(data []byte, peer string) {
			fmt.Fprintf(out, "%s: %s\n", peer, data)
		}, transmission.ListenerOptions{Ordered: listenOpts.ordered})
		if err != nil {
			return err
		}
		defer l.Close()

		n.Run(ctx)
		return nil
	},
}

func init() {
	sendCmd.Flags().DurationVar(&sendOpts.timeout, "timeout", protocol.DefaultSendTimeout, "per-attempt timeout")
	sendCmd.Flags().IntVar(&sendOpts.retries, "retries", protocol.DefaultRetries, "request attempts, negative retries forever")
	listenCmd.Flags().BoolVar(&listenOpts.ordered, "ordered", false, "print messages one at a time in arrival order")
}
