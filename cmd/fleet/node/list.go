package node

import (
	"fmt"
	"strconv"
	"strings"

	"nodefleet/cmd/fleet/cmdutil"
	"nodefleet/cmd/fleet/ui"

	"github.com/spf13/cobra"
)

func listCmd(flags *cmdutil.Flags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List nodes known to the coordinator's network",
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
			nodes, err := dir.Nodes(cmd.Context())
			if err != nil {
				return err
			}
			if len(nodes) == 0 {
				fmt.Println(ui.Muted("no nodes registered"))
				return nil
			}

			rows := make([][]string, len(nodes))
			for i, n := range nodes {
				rows[i] = []string{
					strconv.Itoa(i + 1),
					n.Name,
					ui.Dash(n.Cluster),
					ui.Dash(n.Parent),
					ui.Dash(strings.Join(n.Tags, ",")),
				}
			}
			fmt.Println(ui.Table([]string{"#", "NAME", "CLUSTER", "PARENT", "TAGS"}, rows))
			return nil
		},
	}
}
