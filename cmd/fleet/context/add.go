package contextcmd

import (
	"fmt"

	"nodefleet/cmd/fleet/ui"
	"nodefleet/config"

	"github.com/spf13/cobra"
)

func addCmd() *cobra.Command {
	var c config.Context

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or update a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := args[0]

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Set(name, c); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}

			fmt.Println(ui.SuccessMsg("Context %s saved.", ui.Bold(name)))
			return nil
		},
	}

	cmd.Flags().StringVar(&c.Coordinator, "coordinator", "", "Coordinator address (host:port)")
	cmd.Flags().StringVar(&c.Network, "network", "", "Network the coordinator serves")
	cmd.Flags().StringVar(&c.Cluster, "cluster", "", "Default cluster for node commands")
	_ = cmd.MarkFlagRequired("coordinator")
	return cmd
}
