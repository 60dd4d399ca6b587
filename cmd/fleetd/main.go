package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"nodefleet/config"
	"nodefleet/internal/daemon"
	"nodefleet/internal/logging"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fleetd",
		Short:         "nodefleet cluster and coordinator daemon",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.AddCommand(roleCmd(config.RoleCluster, "Run a cluster daemon that allocates nodes on this host"))
	cmd.AddCommand(roleCmd(config.RoleCoordinator, "Run the coordinator of a network"))
	return cmd
}

func roleCmd(role config.Role, short string) *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   string(role),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDaemon(configPath)
			if err != nil {
				return err
			}
			if cfg.Role != role {
				return fmt.Errorf("%s is a %s config, not %s", configPath, cfg.Role, role)
			}

			level := cfg.Log.Level
			if debug {
				level = logging.LevelDebug
			}
			if err := logging.ConfigureFormat(level, cfg.Log.Format); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Daemon config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

func defaultConfigPath() string {
	return filepath.Join("/etc", "nodefleet", "fleetd.yaml")
}
