package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "print this node's peer id and addresses",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd.Context())
		if err != nil {
			return err
		}
		defer n.Close()

		addrs, err := n.Daemon().Addresses(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, n.ID())
		for _, a := range addrs {
			fmt.Fprintf(out, "  %s/p2p/%s\n", a, n.ID())
		}
		return nil
	},
}
