package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nodefleet/config"
	"nodefleet/internal/cluster"
	"nodefleet/internal/node"
	"nodefleet/internal/packages"
	"nodefleet/internal/transport"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return lis
}

func coordinatorConfig(root string) config.Daemon {
	return config.Daemon{
		Role:     config.RoleCoordinator,
		DataRoot: filepath.Join(root, "coordinator"),
		Networks: []config.Network{{Name: "prod", LocalNode: "coordinator"}},
	}
}

func clusterConfig(root, coordinatorAddr, advertise string) config.Daemon {
	return config.Daemon{
		Role:               config.RoleCluster,
		Cluster:            "rack-a",
		Coordinator:        coordinatorAddr,
		Advertise:          advertise,
		DataRoot:           filepath.Join(root, "cluster"),
		PackageRoot:        filepath.Join(root, "cluster", "packages"),
		InstallParallelism: 2,
		Networks:           []config.Network{{Name: "prod", LocalNode: "host-1"}},
		Admission:          config.Admission{MaxNodes: 2},
	}
}

// serve runs fn until the returned stop function is called.
func serve(t *testing.T, fn func(ctx context.Context) error) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
	}
}

func TestClusterAnnouncesAndServesThroughCoordinator(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	coordLis := listen(t)
	coordAddr := coordLis.Addr().String()
	coord, err := WireCoordinator(ctx, coordinatorConfig(root))
	require.NoError(t, err)
	stopCoord := serve(t, func(ctx context.Context) error { return coord.Serve(ctx, coordLis) })

	clusterLis := listen(t)
	rt, err := WireCluster(ctx, clusterConfig(root, coordAddr, clusterLis.Addr().String()))
	require.NoError(t, err)
	stopCluster := serve(t, func(ctx context.Context) error { return rt.Serve(ctx, clusterLis) })

	require.Eventually(t, func() bool {
		_, ok := coord.Coordinator.Lookup("rack-a")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
	decl, _ := coord.Coordinator.Lookup("rack-a")
	assert.Equal(t, transport.RemoteAddress(clusterLis.Addr().String(), "prod"), decl.Address)

	client := transport.NewCommunication()
	defer client.Close()
	ch, err := client.Channel(coordAddr, transport.ClusterHeader, "rack-a")
	require.NoError(t, err)
	alloc := transport.NewAllocatorClient(ch, node.NewCodec())

	res := alloc.Allocate(ctx, cluster.Request{Node: "web-1", Tags: []string{"web"}})
	require.True(t, res.OK(), "allocate: %v", res.Err)
	require.True(t, alloc.Allocate(ctx, cluster.Request{Node: "web-2"}).OK())

	ok, err := alloc.CanAllocate(ctx, "", nil)
	require.NoError(t, err)
	assert.False(t, ok, "admission caps the cluster at two nodes")

	records, err := transport.NewAdminClient(ch).ListAllocations(ctx, "prod")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	stopCluster()
	require.NoError(t, rt.Close())
	stopCoord()
	require.NoError(t, coord.Close())

	// Both daemons restore their state from disk.
	coord, err = WireCoordinator(ctx, coordinatorConfig(root))
	require.NoError(t, err)
	defer coord.Close()
	_, ok = coord.Coordinator.Lookup("rack-a")
	assert.True(t, ok)

	rt, err = WireCluster(ctx, clusterConfig(root, coordAddr, clusterLis.Addr().String()))
	require.NoError(t, err)
	defer rt.Close()
	require.Len(t, rt.Instances, 1)
	_, ok = rt.Instances[0].Allocation("web-1")
	assert.True(t, ok)
	assert.Equal(t, 2, rt.Instances[0].Len())
}

func TestAdmissionFromConfig(t *testing.T) {
	allow := admission(config.Admission{})
	assert.True(t, allow(nil, nil, "", node.NewTags()))

	tagged := admission(config.Admission{RequiredTags: []string{"web"}})
	assert.True(t, tagged(nil, nil, "", node.NewTags("web", "edge")))
	assert.False(t, tagged(nil, nil, "", node.NewTags("db")))
}

func TestClusterPackagesHonorDirectoryRoots(t *testing.T) {
	root := t.TempDir()
	shared := filepath.Join(root, "shared")
	require.NoError(t, os.MkdirAll(shared, 0o755))
	cfg := clusterConfig(root, "127.0.0.1:1", "127.0.0.1:2")
	cfg.DirectoryRoots = []string{shared}

	rt, err := WireCluster(context.Background(), cfg)
	require.NoError(t, err)
	defer rt.Close()

	pm := rt.Cluster.Packages()
	_, err = pm.ResolvePackage(context.Background(), packages.DirectoryKey{Path: shared})
	require.NoError(t, err)
	_, err = pm.ResolvePackage(context.Background(), packages.DirectoryKey{Path: "/etc"})
	assert.True(t, errdefs.IsPermissionDenied(err), "ResolvePackage() error = %v", err)
}

func TestRunRejectsUnknownRole(t *testing.T) {
	err := Run(context.Background(), config.Daemon{Role: "gateway", Listen: "127.0.0.1:0"})
	require.Error(t, err)
}
