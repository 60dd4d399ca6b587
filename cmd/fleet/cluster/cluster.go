package cluster

import (
	"nodefleet/cmd/fleet/cmdutil"

	"github.com/spf13/cobra"
)

func Cmd(flags *cmdutil.Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Inspect and manage clusters",
	}
	cmd.AddCommand(listCmd(flags))
	cmd.AddCommand(allocationsCmd(flags))
	cmd.AddCommand(canAllocateCmd(flags))
	cmd.AddCommand(enableCmd(flags, true))
	cmd.AddCommand(enableCmd(flags, false))
	return cmd
}

// network resolves the instance network: the flag, then the context's.
func network(flag string, t cmdutil.Target) string {
	if flag != "" {
		return flag
	}
	return t.Network
}
