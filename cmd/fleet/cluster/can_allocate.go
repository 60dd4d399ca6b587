package cluster

import (
	"fmt"

	"nodefleet/cmd/fleet/cmdutil"
	"nodefleet/cmd/fleet/ui"

	"github.com/spf13/cobra"
)

func canAllocateCmd(flags *cmdutil.Flags) *cobra.Command {
	var (
		parent string
		tags   []string
	)

	cmd := &cobra.Command{
		Use:   "can-allocate [cluster]",
		Short: "Ask whether a cluster would admit a node",
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
			alloc, err := client.Allocator(name)
			if err != nil {
				return err
			}
			ok, err := alloc.CanAllocate(cmd.Context(), parent, tags)
			if err != nil {
				return err
			}

			fmt.Print(ui.KeyValues("",
				ui.KV("cluster", name),
				ui.KV("parent", ui.Dash(parent)),
				ui.KV("admitted", ui.Bool(ok)),
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&parent, "parent", "", "Parent node")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Node tag (repeatable)")
	return cmd
}
