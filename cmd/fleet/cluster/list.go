package cluster

import (
	"fmt"

	"nodefleet/cmd/fleet/cmdutil"
	"nodefleet/cmd/fleet/ui"
	"nodefleet/internal/transport"

	"github.com/spf13/cobra"
)

func listCmd(flags *cmdutil.Flags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List clusters declared to the coordinator",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := cmdutil.Dial(flags)
			if err != nil {
				return err
			}
			defer client.Close()

			dir, err := client.Directory()
			if err != nil {
				return err
			}
			clusters, err := dir.Clusters(cmd.Context())
			if err != nil {
				return err
			}
			if len(clusters) == 0 {
				fmt.Println(ui.Muted("no clusters declared"))
				return nil
			}

			rows := make([][]string, len(clusters))
			for i, d := range clusters {
				addr, _ := transport.SplitRemote(d.Address)
				rows[i] = []string{d.Cluster, d.Network, addr}
			}
			fmt.Println(ui.Table([]string{"CLUSTER", "NETWORK", "ADDRESS"}, rows))
			return nil
		},
	}
}
