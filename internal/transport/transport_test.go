package transport

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"nodefleet/internal/attach"
	"nodefleet/internal/cluster"
	"nodefleet/internal/coordinator"
	"nodefleet/internal/node"
	"nodefleet/internal/packages"
	"nodefleet/internal/service"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const (
	clusterAddr     = "passthrough:///cluster"
	coordinatorAddr = "passthrough:///coordinator"
)

type bufnet map[string]*bufconn.Listener

func (b bufnet) dialOption() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := b[addr]
		if !ok {
			return nil, &net.OpError{Op: "dial", Net: "bufconn", Err: os.ErrNotExist}
		}
		return lis.DialContext(ctx)
	})
}

type fleet struct {
	codec   *node.Codec
	net     bufnet
	cluster *cluster.Cluster
	inst    *cluster.Instance
	coord   *coordinator.Coordinator
	client  *Communication
}

func newFleet(t *testing.T) *fleet {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fleet{
		codec: node.NewCodec(),
		net:   bufnet{"cluster": bufconn.Listen(1 << 20), "coordinator": bufconn.Listen(1 << 20)},
	}
	require.NoError(t, attach.Register(f.codec))

	// Coordinator process.
	coordComm := NewCommunication(WithDialOptions(f.net.dialOption()))
	t.Cleanup(func() { coordComm.Close() })
	coordNet := node.NewNetwork("prod", "coordinator", nil)
	require.NoError(t, service.Register[service.Communication](coordNet.Services(), service.CommunicationKey, coordComm))
	var err error
	f.coord, err = coordinator.New(coordNet, func(addr string) service.Key[cluster.Allocator] {
		return AllocatorKey(f.codec).On(addr)
	})
	require.NoError(t, err)
	director := NewClusterDirector(f.coord.Address, f.net.dialOption())
	t.Cleanup(director.Close)
	coordSrv := NewServer(WithDirector(director.Direct))
	RegisterCoordinator(coordSrv.Registrar(), f.coord, f.codec)
	go coordSrv.Serve(ctx, f.net["coordinator"])

	// Cluster process.
	clusterComm := NewCommunication(WithDialOptions(f.net.dialOption()))
	t.Cleanup(func() { clusterComm.Close() })
	root := t.TempDir()
	pm, err := packages.New(filepath.Join(root, "packages"))
	require.NoError(t, err)
	f.cluster, err = cluster.New("rack-a", filepath.Join(root, "instances"), pm,
		cluster.WithInfoKey(NetworkInfoKey(coordinatorAddr)),
		cluster.WithInstantiationKey(InstantiationKey(coordinatorAddr)),
		cluster.WithAddress(RemoteAddress(clusterAddr, "prod")),
	)
	require.NoError(t, err)
	clusterNet := node.NewNetwork("prod", "host-1", nil)
	require.NoError(t, service.Register[service.Communication](clusterNet.Services(), service.CommunicationKey, clusterComm))
	f.inst, err = f.cluster.Instance(ctx, clusterNet)
	require.NoError(t, err)
	clusterSrv := NewServer()
	RegisterCluster(clusterSrv.Registrar(), f.cluster, f.codec)
	go clusterSrv.Serve(ctx, f.net["cluster"])

	// Client process.
	f.client = NewCommunication(WithDialOptions(f.net.dialOption()))
	t.Cleanup(func() { f.client.Close() })
	return f
}

func (f *fleet) allocator(t *testing.T) cluster.Allocator {
	t.Helper()
	ch, err := f.client.Channel(coordinatorAddr, ClusterHeader, "rack-a")
	require.NoError(t, err)
	return NewAllocatorClient(ch, f.codec)
}

func TestAnnounceAllocateDestroyThroughCoordinator(t *testing.T) {
	f := newFleet(t)
	ctx := context.Background()

	require.NoError(t, f.inst.Announce(ctx))
	decl, ok := f.coord.Lookup("rack-a")
	require.True(t, ok)
	assert.Equal(t, RemoteAddress(clusterAddr, "prod"), decl.Address)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "app.bin"), []byte("v1"), 0o644))
	files := attach.Must(attach.New(packages.DirectoryKey{Path: src}, attach.CopyFiles{}))

	alloc := f.allocator(t)
	ok, err := alloc.CanAllocate(ctx, "", []string{"web"})
	require.NoError(t, err)
	assert.True(t, ok)

	res := alloc.Allocate(ctx, cluster.Request{Node: "web-1", Tags: []string{"web"}, Components: []node.Component{files}})
	require.True(t, res.OK(), "allocate: %v", res.Err)
	assert.Equal(t, "web-1", res.Node)
	require.Len(t, res.Components, 1)
	hp, ok := res.Components[0].(node.HostPointer)
	require.True(t, ok)
	assert.Equal(t, "host-1", hp.Host)
	assert.FileExists(t, filepath.Join(f.inst.NodePath("web-1"), "app.bin"))

	nodes := f.coord.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "rack-a", nodes[0].Cluster)

	res = alloc.Allocate(ctx, cluster.Request{Node: "web-1"})
	require.False(t, res.OK())
	assert.True(t, errdefs.IsAlreadyExists(res.Err))

	require.NoError(t, alloc.Destroy(ctx, "web-1"))
	assert.NoDirExists(t, f.inst.NodePath("web-1"))
	assert.Empty(t, f.coord.Nodes())

	err = alloc.Destroy(ctx, "web-1")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestClusterResolvesParentThroughCoordinator(t *testing.T) {
	f := newFleet(t)
	ctx := context.Background()
	require.NoError(t, f.inst.Announce(ctx))

	db, err := node.NewBuilder(f.coord.Network(), "db-1").Tags("db").Build()
	require.NoError(t, err)
	require.NoError(t, f.coord.Network().Register(db))

	res := f.allocator(t).Allocate(ctx, cluster.Request{ParentNode: "db-1", Node: "sidecar"})
	require.True(t, res.OK(), "allocate: %v", res.Err)
	a, ok := f.inst.Allocation("sidecar")
	require.True(t, ok)
	assert.Equal(t, "db-1", a.Node().ParentName())

	res = f.allocator(t).Allocate(ctx, cluster.Request{ParentNode: "ghost", Node: "orphan"})
	require.False(t, res.OK())
	assert.True(t, errdefs.IsNotFound(res.Err))
}

func TestAdminIsProxiedToCluster(t *testing.T) {
	f := newFleet(t)
	ctx := context.Background()
	require.NoError(t, f.inst.Announce(ctx))
	require.True(t, f.allocator(t).Allocate(ctx, cluster.Request{Node: "web-1"}).OK())

	ch, err := f.client.Channel(coordinatorAddr, ClusterHeader, "rack-a")
	require.NoError(t, err)
	admin := NewAdminClient(ch)

	records, err := admin.ListAllocations(ctx, "prod")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "web-1", records[0].Node)
	assert.Equal(t, "rack-a", records[0].Cluster)

	require.NoError(t, admin.SetEnabled(ctx, "prod", false))
	assert.False(t, f.inst.Enabled())

	_, err = admin.ListAllocations(ctx, "staging")
	assert.True(t, errdefs.IsNotFound(err))

	ch, err = f.client.Channel(coordinatorAddr, ClusterHeader, "ghost")
	require.NoError(t, err)
	_, err = NewAdminClient(ch).ListAllocations(ctx, "prod")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDirectoryListing(t *testing.T) {
	f := newFleet(t)
	ctx := context.Background()
	require.NoError(t, f.inst.Announce(ctx))
	require.True(t, f.allocator(t).Allocate(ctx, cluster.Request{Node: "web-1", Tags: []string{"web"}}).OK())

	ch, err := f.client.Channel(coordinatorAddr)
	require.NoError(t, err)
	dir := NewDirectoryClient(ch)

	clusters, err := dir.Clusters(ctx)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, "rack-a", clusters[0].Cluster)

	nodes, err := dir.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "web-1", nodes[0].Name)
	assert.Equal(t, []string{"web"}, nodes[0].Tags)
	assert.Equal(t, "rack-a", nodes[0].Cluster)

	info := NewNetworkInfoClient(ch)
	names, err := info.FetchNodeNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"web-1"}, names)
	_, err = info.FetchNodeInfo(ctx, "ghost")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestAllocatorWithoutClusterHeader(t *testing.T) {
	f := newFleet(t)
	ch, err := f.client.Channel(coordinatorAddr)
	require.NoError(t, err)

	res := NewAllocatorClient(ch, f.codec).Allocate(context.Background(), cluster.Request{Node: "web-1"})
	require.False(t, res.OK())
	assert.True(t, errdefs.IsInvalidArgument(res.Err))
}

func TestLocalOnlyComponentIsRejected(t *testing.T) {
	f := newFleet(t)
	adapter := cluster.CreationAdapterFunc(func(context.Context, *node.ManagedNode, string) error { return nil })

	res := f.allocator(t).Allocate(context.Background(), cluster.Request{Node: "web-1", Components: []node.Component{adapter}})
	require.False(t, res.OK())
	assert.True(t, errdefs.IsInvalidArgument(res.Err))
}

func TestRemoteAddressRoundTrip(t *testing.T) {
	addr, network := SplitRemote(RemoteAddress("10.0.0.5:7443", "prod"))
	assert.Equal(t, "10.0.0.5:7443", addr)
	assert.Equal(t, "prod", network)

	addr, network = SplitRemote("10.0.0.5:7443")
	assert.Equal(t, "10.0.0.5:7443", addr)
	assert.Empty(t, network)
}

func TestCatalogBindsFleetCapabilities(t *testing.T) {
	c, err := Catalog(node.NewCodec(), coordinatorAddr)
	require.NoError(t, err)
	assert.Equal(t, []string{AllocatorCapability, InstantiationCapability, NetworkInfoCapability}, c.Capabilities())

	key, ok := service.Lookup[service.RemoteKey[cluster.Allocator]](c, AllocatorCapability)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5:7443#prod", key.On(RemoteAddress("10.0.0.5:7443", "prod")).Identity().Remote)
	kind, ok := c.Kind(NetworkInfoCapability)
	require.True(t, ok)
	assert.Equal(t, service.KindNetworkProvided, kind)
}
