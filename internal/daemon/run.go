package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"nodefleet/config"

	"golang.org/x/sync/errgroup"
)

// Run wires the daemon cfg describes and serves until ctx is cancelled.
func Run(ctx context.Context, cfg config.Daemon) error {
	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	switch cfg.Role {
	case config.RoleCluster:
		rt, err := WireCluster(ctx, cfg)
		if err != nil {
			_ = lis.Close()
			return err
		}
		defer rt.Close()
		return rt.Serve(ctx, lis)
	case config.RoleCoordinator:
		rt, err := WireCoordinator(ctx, cfg)
		if err != nil {
			_ = lis.Close()
			return err
		}
		defer rt.Close()
		return rt.Serve(ctx, lis)
	default:
		_ = lis.Close()
		return fmt.Errorf("unknown daemon role %q", cfg.Role)
	}
}

// Serve serves the cluster on lis and announces every instance to the
// coordinator. An instance that cannot announce stops the daemon.
func (rt *ClusterRuntime) Serve(ctx context.Context, lis net.Listener) error {
	log := slog.With("component", "fleetd", "cluster", rt.Cluster.Name())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Server.Serve(ctx, lis) })
	for _, inst := range rt.Instances {
		g.Go(func() error {
			if err := inst.Announce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error("announce failed", "network", inst.Network().Name(), "err", err)
				return err
			}
			return nil
		})
	}
	log.Info("cluster started", "networks", len(rt.Instances))
	return g.Wait()
}

// Serve serves the coordinator on lis.
func (rt *CoordinatorRuntime) Serve(ctx context.Context, lis net.Listener) error {
	slog.Info("coordinator started", "component", "fleetd",
		"network", rt.Coordinator.Network().Name(), "clusters", len(rt.Coordinator.Clusters()))
	return rt.Server.Serve(ctx, lis)
}
