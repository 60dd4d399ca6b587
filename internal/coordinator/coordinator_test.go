package coordinator_test

import (
	"context"
	"path/filepath"
	"testing"

	"nodefleet/internal/adapter/fake"
	"nodefleet/internal/cluster"
	"nodefleet/internal/coordinator"
	"nodefleet/internal/node"
	"nodefleet/internal/packages"
	"nodefleet/internal/service"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localAllocatorKey(address string) service.Key[cluster.Allocator] {
	return service.Local[cluster.Allocator]("nodefleet.allocator@" + address)
}

type fixture struct {
	coord    *coordinator.Coordinator
	network  *node.Network
	registry *fake.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		network:  node.NewNetwork("prod", "coordinator", nil),
		registry: fake.NewRegistry(),
	}
	var err error
	f.coord, err = coordinator.New(f.network, localAllocatorKey, coordinator.WithRegistry(f.registry))
	require.NoError(t, err)
	return f
}

// addCluster starts an in-process cluster instance and declares it.
func (f *fixture) addCluster(t *testing.T, name, address string) *cluster.Instance {
	t.Helper()
	root := t.TempDir()
	pm, err := packages.New(filepath.Join(root, "packages"))
	require.NoError(t, err)
	c, err := cluster.New(name, filepath.Join(root, "instances"), pm)
	require.NoError(t, err)
	inst, err := c.Instance(context.Background(), node.NewNetwork("prod", name+"-host", nil))
	require.NoError(t, err)

	require.NoError(t, service.Register(f.network.Services(), localAllocatorKey(address), inst.Allocator()))
	require.NoError(t, f.coord.DeclareClusterInstance(context.Background(), cluster.Declaration{Cluster: name, Network: "prod", Address: address}))
	return inst
}

func TestDeclareClusterInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.DeclareClusterInstance(ctx, cluster.Declaration{Cluster: "rack-b", Network: "prod", Address: "10.0.0.2:7443"}))
	require.NoError(t, f.coord.DeclareClusterInstance(ctx, cluster.Declaration{Cluster: "rack-a", Network: "prod", Address: "10.0.0.1:7443"}))
	require.NoError(t, f.coord.DeclareClusterInstance(ctx, cluster.Declaration{Cluster: "rack-a", Network: "prod", Address: "10.0.0.9:7443"}))

	clusters := f.coord.Clusters()
	require.Len(t, clusters, 2)
	assert.Equal(t, "rack-a", clusters[0].Cluster)
	assert.Equal(t, "10.0.0.9:7443", clusters[0].Address)
	addr, ok := f.coord.Address("rack-b")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.2:7443", addr)
	assert.Len(t, f.registry.Calls("SaveDeclaration"), 3)

	err := f.coord.DeclareClusterInstance(ctx, cluster.Declaration{Cluster: "rack-c", Network: "staging", Address: "x"})
	assert.True(t, errdefs.IsInvalidArgument(err))
	err = f.coord.DeclareClusterInstance(ctx, cluster.Declaration{Cluster: "rack-c", Network: "prod"})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestRestoreAndForget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.coord.DeclareClusterInstance(ctx, cluster.Declaration{Cluster: "rack-a", Network: "prod", Address: "a"}))

	restarted, err := coordinator.New(node.NewNetwork("prod", "coordinator", nil), localAllocatorKey, coordinator.WithRegistry(f.registry))
	require.NoError(t, err)
	require.NoError(t, restarted.Restore(ctx))
	_, ok := restarted.Lookup("rack-a")
	assert.True(t, ok)

	require.NoError(t, restarted.Forget(ctx, "rack-a"))
	assert.Empty(t, restarted.Clusters())
	assert.True(t, errdefs.IsNotFound(restarted.Forget(ctx, "rack-a")))

	list, err := f.registry.ListDeclarations(ctx, "prod")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestForwardedAllocateRegistersNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.addCluster(t, "rack-a", "a")

	alloc, err := f.coord.Allocator("rack-a")
	require.NoError(t, err)
	ok, err := alloc.CanAllocate(ctx, "", []string{"web"})
	require.NoError(t, err)
	assert.True(t, ok)

	res := alloc.Allocate(ctx, cluster.Request{Node: "web-1", Tags: []string{"web"}})
	require.True(t, res.OK(), "allocate: %v", res.Err)
	assert.Equal(t, 1, inst.Len())

	info, err := f.coord.FetchNodeInfo(ctx, "web-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, info.Tags)
	names, err := f.coord.FetchNodeNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"web-1"}, names)

	nodes := f.coord.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "rack-a", nodes[0].Cluster)

	ref, ok := f.network.Lookup("web-1")
	require.True(t, ok)
	mn, managed := ref.(*node.ManagedNode)
	require.True(t, managed)
	hps := node.ComponentsOf[node.HostPointer](mn)
	require.Len(t, hps, 1)
	assert.Equal(t, "rack-a-host", hps[0].Host)

	// A second allocation under the same name is refused before forwarding.
	res = alloc.Allocate(ctx, cluster.Request{Node: "web-1"})
	assert.True(t, errdefs.IsAlreadyExists(res.Err))

	require.NoError(t, alloc.Destroy(ctx, "web-1"))
	assert.Zero(t, inst.Len())
	_, ok = f.network.Lookup("web-1")
	assert.False(t, ok)
	assert.Empty(t, f.coord.Nodes())
}

func TestForwardedAllocateFailureRegistersNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.addCluster(t, "rack-a", "a")
	require.NoError(t, inst.Disable(ctx))

	alloc, err := f.coord.Allocator("rack-a")
	require.NoError(t, err)
	res := alloc.Allocate(ctx, cluster.Request{Node: "web-1"})
	require.False(t, res.OK())
	assert.True(t, errdefs.IsFailedPrecondition(res.Err))
	assert.Empty(t, f.coord.Nodes())
}

func TestDestroyOnWrongCluster(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addCluster(t, "rack-a", "a")
	f.addCluster(t, "rack-b", "b")

	a, err := f.coord.Allocator("rack-a")
	require.NoError(t, err)
	require.True(t, a.Allocate(ctx, cluster.Request{Node: "web-1"}).OK())

	b, err := f.coord.Allocator("rack-b")
	require.NoError(t, err)
	err = b.Destroy(ctx, "web-1")
	assert.True(t, errdefs.IsFailedPrecondition(err))
	_, ok := f.network.Lookup("web-1")
	assert.True(t, ok)
}

func TestAllocatorForUnknownCluster(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Allocator("ghost")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestNewRequiresNetworkAndKey(t *testing.T) {
	_, err := coordinator.New(nil, localAllocatorKey)
	assert.True(t, errdefs.IsInvalidArgument(err))
	_, err = coordinator.New(node.NewNetwork("prod", "", nil), nil)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestDeclareFailsWhenRegistryRejects(t *testing.T) {
	f := newFixture(t)
	f.registry.FailOnce("SaveDeclaration", errdefs.ErrUnavailable)

	err := f.coord.DeclareClusterInstance(context.Background(), cluster.Declaration{Cluster: "rack-a", Network: "prod", Address: "10.0.0.5:7443"})
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))
	_, ok := f.coord.Lookup("rack-a")
	assert.False(t, ok, "a declaration that was not persisted is not served")
}
