package cluster

import (
	"fmt"

	"nodefleet/cmd/fleet/cmdutil"
	"nodefleet/cmd/fleet/ui"

	"github.com/spf13/cobra"
)

func enableCmd(flags *cmdutil.Flags, enabled bool) *cobra.Command {
	var networkName string

	use, short, done := "enable", "Let a cluster instance accept allocations", "enabled"
	if !enabled {
		use, short, done = "disable", "Stop a cluster instance from accepting allocations", "disabled"
	}

	cmd := &cobra.Command{
		Use:   use + " [cluster]",
		Short: short,
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
			netName := network(networkName, client.Target)
			if netName == "" {
				return fmt.Errorf("--network is required when the context names none")
			}
			admin, err := client.Admin(name)
			if err != nil {
				return err
			}
			if err := admin.SetEnabled(cmd.Context(), netName, enabled); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Cluster %s %s on %s.", ui.Bold(name), done, netName))
			return nil
		},
	}

	cmd.Flags().StringVar(&networkName, "network", "", "Instance network")
	return cmd
}
