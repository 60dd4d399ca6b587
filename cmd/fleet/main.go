package main

import (
	"fmt"
	"os"

	clustercmd "nodefleet/cmd/fleet/cluster"
	"nodefleet/cmd/fleet/cmdutil"
	contextcmd "nodefleet/cmd/fleet/context"
	nodecmd "nodefleet/cmd/fleet/node"
	"nodefleet/cmd/fleet/ui"
	"nodefleet/internal/logging"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var (
		debug         bool
		noInteraction bool
		flags         cmdutil.Flags
	)
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "fleet",
		Short:         "Allocate nodes across clusters through a coordinator",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			ui.ConfigureInteraction(noInteraction)
			return logging.Configure(level)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&noInteraction, "no-interaction", false, "Never prompt, disable colour")
	flags.Bind(root)

	root.AddCommand(contextcmd.Cmd())
	root.AddCommand(nodecmd.Cmd(&flags))
	root.AddCommand(clustercmd.Cmd(&flags))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}
