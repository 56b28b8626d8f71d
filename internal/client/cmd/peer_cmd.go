package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rudransh-shrivastava/peer-link/internal/daemon"
	"github.com/spf13/cobra"
)

var tunnelsCmd = &cobra.Command{
	Use:   "tunnels",
	Short: "list the stream tunnels registered on the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd.Context())
		if err != nil {
			return err
		}
		defer n.Close()

		listeners, senders, err := n.Manager().ListTunnels(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tNAME\tPORT\tPEER")
		for _, t := range append(listeners, senders...) {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.Kind, t.Name, t.Port, t.Peer)
		}
		return w.Flush()
	},
}

var closeOpts struct {
	filter    daemon.Filter
	listeners bool
	senders   bool
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "close the tunnels matching --name, --port and --peer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if closeOpts.filter.Empty() {
			return fmt.Errorf("refusing to close every tunnel, give --name, --port or --peer")
		}
		both := !closeOpts.listeners && !closeOpts.senders

		n, err := openNode(cmd.Context())
		if err != nil {
			return err
		}
		defer n.Close()

		if both || closeOpts.listeners {
			if err := n.Manager().CloseListener(cmd.Context(), closeOpts.filter); err != nil {
				return err
			}
		}
		if both || closeOpts.senders {
			if err := n.Manager().CloseSender(cmd.Context(), closeOpts.filter); err != nil {
				return err
			}
		}
		return nil
	},
}

var pingOpts struct {
	count int
}

var pingCmd = &cobra.Command{
	Use:   "ping peer-id",
	Short: "ping a peer through the daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd.Context())
		if err != nil {
			return err
		}
		defer n.Close()

		ratio, err := n.Ping(cmd.Context(), args[0], pingOpts.count)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s answered %.0f%% of %d pings\n", args[0], ratio*100, pingOpts.count)
		return nil
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "list the peers in the peer directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd.Context())
		if err != nil {
			return err
		}
		defer n.Close()

		peers, err := n.Peers().List(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PEER\tLAST SEEN\tADDRESSES")
		for _, p := range peers {
			addrs := make([]string, 0, len(p.Addresses))
			for _, a := range p.Addresses {
				addrs = append(addrs, a.Multiaddr)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.PeerID, time.Unix(p.LastSeen, 0).Format(time.RFC3339), strings.Join(addrs, " "))
		}
		return w.Flush()
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect multiaddr",
	Short: "dial a peer at /ip4/.../tcp/.../p2p/{peer-id} and remember the address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd.Context())
		if err != nil {
			return err
		}
		defer n.Close()

		if err := n.Connect(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "connected")
		return nil
	},
}

func init() {
	closeCmd.Flags().StringVar(&closeOpts.filter.Name, "name", "", "tunnel name")
	closeCmd.Flags().IntVar(&closeOpts.filter.Port, "port", 0, "local port")
	closeCmd.Flags().StringVar(&closeOpts.filter.Peer, "peer", "", "remote peer id")
	closeCmd.Flags().BoolVar(&closeOpts.listeners, "listeners", false, "close listeners only")
	closeCmd.Flags().BoolVar(&closeOpts.senders, "senders", false, "close senders only")

	pingCmd.Flags().IntVar(&pingOpts.count, "count", 3, "number of pings")
}
