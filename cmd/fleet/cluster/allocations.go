package cluster

import (
	"fmt"
	"strings"
	"time"

	"nodefleet/cmd/fleet/cmdutil"
	"nodefleet/cmd/fleet/ui"

	"github.com/spf13/cobra"
)

func allocationsCmd(flags *cmdutil.Flags) *cobra.Command {
	var networkName string

	cmd := &cobra.Command{
		Use:   "allocations [cluster]",
		Short: "List the nodes a cluster has allocated",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cmdutil.Dial(flags)
			if err != nil {
				return err
			}
			defer client.Close()

			name, err := client.Target.ClusterName(firstArg(args))
			if err != nil {
				return err
			}
			admin, err := client.Admin(name)
			if err != nil {
				return err
			}
			records, err := admin.ListAllocations(cmd.Context(), network(networkName, client.Target))
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println(ui.Muted("no allocations"))
				return nil
			}

			rows := make([][]string, len(records))
			for i, r := range records {
				rows[i] = []string{
					r.Node,
					r.Network,
					ui.Dash(r.Parent),
					ui.Dash(strings.Join(r.Tags, ",")),
					r.Path,
					r.CreatedAt.Local().Format(time.DateTime),
				}
			}
			fmt.Println(ui.Table([]string{"NODE", "NETWORK", "PARENT", "TAGS", "PATH", "CREATED"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&networkName, "network", "", "Only list allocations on this network")
	return cmd
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
