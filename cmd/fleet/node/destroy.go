package node

import (
	"fmt"

	"nodefleet/cmd/fleet/cmdutil"
	"nodefleet/cmd/fleet/ui"

	"github.com/spf13/cobra"
)

func destroyCmd(flags *cmdutil.Flags) *cobra.Command {
	var (
		clusterName string
		yes         bool
	)

	cmd := &cobra.Command{
		Use:     "destroy <name>",
		Aliases: []string{"rm"},
		Short:   "Destroy an allocated node and its directory",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			client, err := cmdutil.Dial(flags)
			if err != nil {
				return err
			}
			defer client.Close()

			target, err := client.Target.ClusterName(clusterName)
			if err != nil {
				return err
			}
			if !yes {
				confirmed, err := ui.Confirm(
					fmt.Sprintf("Destroy node %s on %s?", ui.Bold(name), target),
					"use --yes to skip",
				)
				if err != nil {
					return err
				}
				if !confirmed {
					return nil
				}
			}

			alloc, err := client.Allocator(target)
			if err != nil {
				return err
			}
			if err := alloc.Destroy(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Node %s destroyed.", ui.Bold(name)))
			return nil
		},
	}

	cmd.Flags().StringVar(&clusterName, "cluster", "", "Cluster the node lives on")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")
	return cmd
}
