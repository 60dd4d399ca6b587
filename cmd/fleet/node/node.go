package node

import (
	"nodefleet/cmd/fleet/cmdutil"

	"github.com/spf13/cobra"
)

func Cmd(flags *cmdutil.Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Allocate and destroy nodes",
	}
	cmd.AddCommand(allocateCmd(flags))
	cmd.AddCommand(destroyCmd(flags))
	cmd.AddCommand(listCmd(flags))
	return cmd
}
