package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"nodefleet/config"
	"nodefleet/internal/adapter/sqlite"
	"nodefleet/internal/attach"
	"nodefleet/internal/cluster"
	"nodefleet/internal/coordinator"
	"nodefleet/internal/node"
	"nodefleet/internal/packages"
	"nodefleet/internal/service"
	"nodefleet/internal/telemetry"
	"nodefleet/internal/transport"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
)

const stateFile = "fleetd.db"

// base is what every fleetd process shares: the process-wide service
// manager, the tracer provider, the state store and outbound communication.
type base struct {
	services *service.Manager
	provider *sdktrace.TracerProvider
	store    *sqlite.Store
	comm     *transport.Communication
	codec    *node.Codec
}

func wireBase(cfg config.Daemon, dialOpts ...grpc.DialOption) (*base, error) {
	store, err := sqlite.Open(filepath.Join(cfg.DataRoot, stateFile))
	if err != nil {
		return nil, err
	}
	codec := node.NewCodec()
	if err := attach.Register(codec); err != nil {
		_ = store.Close() // best-effort cleanup
		return nil, err
	}

	b := &base{
		services: service.NewManager(service.Scope{}, nil),
		provider: telemetry.NewProvider(slog.Default()),
		store:    store,
		comm:     transport.NewCommunication(transport.WithDialOptions(dialOpts...)),
		codec:    codec,
	}
	if err := service.Register[service.Communication](b.services, service.CommunicationKey, b.comm); err != nil {
		_ = b.Close() // best-effort cleanup
		return nil, err
	}
	return b, nil
}

func (b *base) Close() error {
	return errors.Join(
		b.comm.Close(),
		b.provider.Shutdown(context.Background()),
		b.store.Close(),
	)
}

// ClusterRuntime is a wired cluster daemon.
type ClusterRuntime struct {
	*base
	Cluster   *cluster.Cluster
	Instances []*cluster.Instance
	Server    *transport.Server
}

// WireCluster builds the cluster named in cfg with one instance per network.
// Instances restore their allocations from the state store.
func WireCluster(ctx context.Context, cfg config.Daemon, dialOpts ...grpc.DialOption) (*ClusterRuntime, error) {
	b, err := wireBase(cfg, dialOpts...)
	if err != nil {
		return nil, err
	}
	rt, err := wireCluster(ctx, cfg, b)
	if err != nil {
		_ = b.Close() // best-effort cleanup
		return nil, err
	}
	return rt, nil
}

func wireCluster(ctx context.Context, cfg config.Daemon, b *base) (*ClusterRuntime, error) {
	if cfg.DownloadURL != "" {
		dl := &packages.HTTPDownloadService{
			BaseURL: cfg.DownloadURL,
			Client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		}
		if err := service.Register[packages.DownloadService](b.services, packages.DefaultDownloadKey, dl); err != nil {
			return nil, err
		}
	}
	pmOpts := []packages.Option{
		packages.WithServices(b.services),
		packages.WithDirectoryRoots(cfg.DirectoryRoots...),
	}
	if len(cfg.JavaRoots) > 0 {
		pmOpts = append(pmOpts, packages.WithJavaRoots(cfg.JavaRoots...))
	}
	pm, err := packages.New(cfg.PackageRoot, pmOpts...)
	if err != nil {
		return nil, err
	}

	tracer := b.provider.Tracer(telemetry.TracerName)
	c, err := cluster.New(cfg.Cluster, filepath.Join(cfg.DataRoot, "instances"), pm,
		cluster.WithLedger(b.store),
		cluster.WithTracer(tracer),
		cluster.WithAdmission(admission(cfg.Admission)),
		cluster.WithPipeline(attach.NewPipeline(pm, attach.WithLimit(cfg.InstallParallelism), attach.WithTracer(tracer))),
		cluster.WithInfoKey(transport.NetworkInfoKey(cfg.Coordinator)),
		cluster.WithInstantiationKey(transport.InstantiationKey(cfg.Coordinator)),
		cluster.WithNetworkAddress(func(network string) string {
			return transport.RemoteAddress(cfg.Advertise, network)
		}),
	)
	if err != nil {
		return nil, err
	}

	rt := &ClusterRuntime{base: b, Cluster: c, Server: transport.NewServer()}
	for _, n := range cfg.Networks {
		network := node.NewNetwork(n.Name, n.LocalNode, b.services)
		inst, err := c.Instance(ctx, network)
		if err != nil {
			return nil, fmt.Errorf("start instance for %q: %w", n.Name, err)
		}
		rt.Instances = append(rt.Instances, inst)
	}
	transport.RegisterCluster(rt.Server.Registrar(), c, b.codec)
	return rt, nil
}

func admission(cfg config.Admission) cluster.Admission {
	var policies []cluster.Admission
	if cfg.MaxNodes > 0 {
		policies = append(policies, cluster.MaxNodes(cfg.MaxNodes))
	}
	if len(cfg.RequiredTags) > 0 {
		policies = append(policies, cluster.RequireTags(cfg.RequiredTags...))
	}
	if len(policies) == 0 {
		return cluster.AllowAll
	}
	return cluster.All(policies...)
}

// CoordinatorRuntime is a wired coordinator daemon.
type CoordinatorRuntime struct {
	*base
	Coordinator *coordinator.Coordinator
	Server      *transport.Server
	director    *transport.ClusterDirector
}

// WireCoordinator builds the coordinator of the single network in cfg and
// restores its declared clusters.
func WireCoordinator(ctx context.Context, cfg config.Daemon, dialOpts ...grpc.DialOption) (*CoordinatorRuntime, error) {
	b, err := wireBase(cfg, dialOpts...)
	if err != nil {
		return nil, err
	}
	rt, err := wireCoordinator(ctx, cfg, b, dialOpts)
	if err != nil {
		_ = b.Close() // best-effort cleanup
		return nil, err
	}
	return rt, nil
}

func wireCoordinator(ctx context.Context, cfg config.Daemon, b *base, dialOpts []grpc.DialOption) (*CoordinatorRuntime, error) {
	n := cfg.Networks[0]
	network := node.NewNetwork(n.Name, n.LocalNode, b.services)

	allocators := transport.AllocatorKey(b.codec)
	coord, err := coordinator.New(network, func(addr string) service.Key[cluster.Allocator] {
		return allocators.On(addr)
	}, coordinator.WithRegistry(b.store))
	if err != nil {
		return nil, err
	}
	if err := coord.Restore(ctx); err != nil {
		return nil, err
	}

	director := transport.NewClusterDirector(coord.Address, dialOpts...)
	rt := &CoordinatorRuntime{
		base:        b,
		Coordinator: coord,
		Server:      transport.NewServer(transport.WithDirector(director.Direct)),
		director:    director,
	}
	transport.RegisterCoordinator(rt.Server.Registrar(), coord, b.codec)
	return rt, nil
}

func (rt *CoordinatorRuntime) Close() error {
	rt.director.Close()
	return rt.base.Close()
}
