package transport

import (
	"context"
	"strings"

	"nodefleet/internal/cluster"
	"nodefleet/internal/coordinator"
	"nodefleet/internal/node"
	"nodefleet/internal/service"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	InstantiationService = "nodefleet.Instantiation"
	NetworkInfoService   = "nodefleet.NetworkInfo"
	AdminService         = "nodefleet.ClusterAdmin"
	CoordinatorService   = "nodefleet.Coordinator"
)

const (
	InstantiationCapability = "nodefleet.instantiation"
	NetworkInfoCapability   = "nodefleet.network.info"
)

// InstantiationKey is provided by the network's coordinator at provider. The
// coordinator registers its own implementation under the key's local form.
func InstantiationKey(provider string) service.ProvidedKey[cluster.Instantiation] {
	return service.NetworkProvided(InstantiationCapability, provider, NewInstantiationClient)
}

// NetworkInfoKey is provided by the network's coordinator at provider.
func NetworkInfoKey(provider string) service.ProvidedKey[node.InfoService] {
	return service.NetworkProvided(NetworkInfoCapability, provider, NewNetworkInfoClient)
}

// Catalog binds the capabilities a fleet process resolves by name.
func Catalog(codec *node.Codec, coordinatorAddr string) (*service.Catalog, error) {
	c := service.NewCatalog()
	if err := service.Bind[cluster.Allocator](c, AllocatorKey(codec)); err != nil {
		return nil, err
	}
	if err := service.Bind[cluster.Instantiation](c, InstantiationKey(coordinatorAddr)); err != nil {
		return nil, err
	}
	if err := service.Bind[node.InfoService](c, NetworkInfoKey(coordinatorAddr)); err != nil {
		return nil, err
	}
	return c, nil
}

// --- Instantiation ---

type instantiationClient struct {
	ch service.Channel
}

func NewInstantiationClient(ch service.Channel) cluster.Instantiation {
	return &instantiationClient{ch: ch}
}

func (c *instantiationClient) DeclareClusterInstance(ctx context.Context, d cluster.Declaration) error {
	in, err := toStruct(d)
	if err != nil {
		return err
	}
	if err := c.ch.Invoke(ctx, fullMethod(InstantiationService, "DeclareClusterInstance"), in, new(emptypb.Empty)); err != nil {
		return fromGRPC(err)
	}
	return nil
}

type instantiationHandler interface {
	declare(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
}

var instantiationDesc = grpc.ServiceDesc{
	ServiceName: InstantiationService,
	HandlerType: (*instantiationHandler)(nil),
	Methods: []grpc.MethodDesc{
		unary(InstantiationService, "DeclareClusterInstance", newStruct, instantiationHandler.declare),
	},
}

func RegisterInstantiation(s grpc.ServiceRegistrar, impl cluster.Instantiation) {
	s.RegisterService(&instantiationDesc, &instantiationServer{impl: impl})
}

type instantiationServer struct {
	impl cluster.Instantiation
}

func (s *instantiationServer) declare(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	var d cluster.Declaration
	if err := fromStruct(in, &d); err != nil {
		return nil, err
	}
	if err := s.impl.DeclareClusterInstance(ctx, d); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// --- NetworkInfo ---

type nodeNames struct {
	Names []string `json:"names"`
}

type networkInfoClient struct {
	ch service.Channel
}

func NewNetworkInfoClient(ch service.Channel) node.InfoService {
	return &networkInfoClient{ch: ch}
}

func (c *networkInfoClient) FetchNodeInfo(ctx context.Context, name string) (node.Info, error) {
	out := new(structpb.Struct)
	if err := c.ch.Invoke(ctx, fullMethod(NetworkInfoService, "FetchNodeInfo"), wrapperspb.String(name), out); err != nil {
		return node.Info{}, fromGRPC(err)
	}
	var info node.Info
	if err := fromStruct(out, &info); err != nil {
		return node.Info{}, err
	}
	return info, nil
}

func (c *networkInfoClient) FetchNodeNames(ctx context.Context) ([]string, error) {
	out := new(structpb.Struct)
	if err := c.ch.Invoke(ctx, fullMethod(NetworkInfoService, "FetchNodeNames"), new(emptypb.Empty), out); err != nil {
		return nil, fromGRPC(err)
	}
	var names nodeNames
	if err := fromStruct(out, &names); err != nil {
		return nil, err
	}
	return names.Names, nil
}

type networkInfoHandler interface {
	fetchNodeInfo(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error)
	fetchNodeNames(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

var networkInfoDesc = grpc.ServiceDesc{
	ServiceName: NetworkInfoService,
	HandlerType: (*networkInfoHandler)(nil),
	Methods: []grpc.MethodDesc{
		unary(NetworkInfoService, "FetchNodeInfo", newString, networkInfoHandler.fetchNodeInfo),
		unary(NetworkInfoService, "FetchNodeNames", newEmpty, networkInfoHandler.fetchNodeNames),
	},
}

func RegisterNetworkInfo(s grpc.ServiceRegistrar, impl node.InfoService) {
	s.RegisterService(&networkInfoDesc, &networkInfoServer{impl: impl})
}

type networkInfoServer struct {
	impl node.InfoService
}

func (s *networkInfoServer) fetchNodeInfo(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	info, err := s.impl.FetchNodeInfo(ctx, in.GetValue())
	if err != nil {
		return nil, err
	}
	return toStruct(info)
}

func (s *networkInfoServer) fetchNodeNames(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	names, err := s.impl.FetchNodeNames(ctx)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return toStruct(nodeNames{Names: names})
}

// --- ClusterAdmin ---

// Admin manages the instances of one cluster daemon.
type Admin interface {
	ListAllocations(ctx context.Context, network string) ([]cluster.AllocationRecord, error)
	SetEnabled(ctx context.Context, network string, enabled bool) error
}

type allocationList struct {
	Allocations []cluster.AllocationRecord `json:"allocations"`
}

type setEnabledRequest struct {
	Network string `json:"network"`
	Enabled bool   `json:"enabled"`
}

type adminClient struct {
	ch service.Channel
}

func NewAdminClient(ch service.Channel) Admin {
	return &adminClient{ch: ch}
}

func (c *adminClient) ListAllocations(ctx context.Context, network string) ([]cluster.AllocationRecord, error) {
	out := new(structpb.Struct)
	if err := c.ch.Invoke(ctx, fullMethod(AdminService, "ListAllocations"), wrapperspb.String(network), out); err != nil {
		return nil, fromGRPC(err)
	}
	var list allocationList
	if err := fromStruct(out, &list); err != nil {
		return nil, err
	}
	return list.Allocations, nil
}

func (c *adminClient) SetEnabled(ctx context.Context, network string, enabled bool) error {
	in, err := toStruct(setEnabledRequest{Network: network, Enabled: enabled})
	if err != nil {
		return err
	}
	if err := c.ch.Invoke(ctx, fullMethod(AdminService, "SetEnabled"), in, new(emptypb.Empty)); err != nil {
		return fromGRPC(err)
	}
	return nil
}

type adminHandler interface {
	listAllocations(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error)
	setEnabled(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
}

var adminDesc = grpc.ServiceDesc{
	ServiceName: AdminService,
	HandlerType: (*adminHandler)(nil),
	Methods: []grpc.MethodDesc{
		unary(AdminService, "ListAllocations", newString, adminHandler.listAllocations),
		unary(AdminService, "SetEnabled", newStruct, adminHandler.setEnabled),
	},
}

// RegisterAdmin serves the ClusterAdmin service for c on s.
func RegisterAdmin(s grpc.ServiceRegistrar, c *cluster.Cluster) {
	s.RegisterService(&adminDesc, &adminServer{cluster: c})
}

type adminServer struct {
	cluster *cluster.Cluster
}

func (s *adminServer) listAllocations(_ context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	records, err := s.cluster.AllocationRecords(strings.TrimSpace(in.GetValue()))
	if err != nil {
		return nil, err
	}
	return toStruct(allocationList{Allocations: records})
}

func (s *adminServer) setEnabled(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	var req setEnabledRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if err := s.cluster.SetEnabled(ctx, req.Network, req.Enabled); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// --- Coordinator ---

// Directory lists what a coordinator knows about its network.
type Directory interface {
	Clusters(ctx context.Context) ([]cluster.Declaration, error)
	Nodes(ctx context.Context) ([]coordinator.NodeEntry, error)
}

type clusterList struct {
	Clusters []cluster.Declaration `json:"clusters"`
}

type nodeList struct {
	Nodes []coordinator.NodeEntry `json:"nodes"`
}

type directoryClient struct {
	ch service.Channel
}

func NewDirectoryClient(ch service.Channel) Directory {
	return &directoryClient{ch: ch}
}

func (c *directoryClient) Clusters(ctx context.Context) ([]cluster.Declaration, error) {
	out := new(structpb.Struct)
	if err := c.ch.Invoke(ctx, fullMethod(CoordinatorService, "Clusters"), new(emptypb.Empty), out); err != nil {
		return nil, fromGRPC(err)
	}
	var list clusterList
	if err := fromStruct(out, &list); err != nil {
		return nil, err
	}
	return list.Clusters, nil
}

func (c *directoryClient) Nodes(ctx context.Context) ([]coordinator.NodeEntry, error) {
	out := new(structpb.Struct)
	if err := c.ch.Invoke(ctx, fullMethod(CoordinatorService, "Nodes"), new(emptypb.Empty), out); err != nil {
		return nil, fromGRPC(err)
	}
	var list nodeList
	if err := fromStruct(out, &list); err != nil {
		return nil, err
	}
	return list.Nodes, nil
}

type directoryHandler interface {
	clusters(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	nodes(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

var directoryDesc = grpc.ServiceDesc{
	ServiceName: CoordinatorService,
	HandlerType: (*directoryHandler)(nil),
	Methods: []grpc.MethodDesc{
		unary(CoordinatorService, "Clusters", newEmpty, directoryHandler.clusters),
		unary(CoordinatorService, "Nodes", newEmpty, directoryHandler.nodes),
	},
}

// RegisterCoordinator serves the coordinator's allocator, instantiation,
// network-info and listing services on s.
func RegisterCoordinator(s grpc.ServiceRegistrar, c *coordinator.Coordinator, codec *node.Codec) {
	RegisterAllocator(s, ClusterAllocators(c.Allocator), codec)
	RegisterInstantiation(s, c)
	RegisterNetworkInfo(s, c)
	s.RegisterService(&directoryDesc, &directoryServer{coord: c})
}

type directoryServer struct {
	coord *coordinator.Coordinator
}

func (s *directoryServer) clusters(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(clusterList{Clusters: s.coord.Clusters()})
}

func (s *directoryServer) nodes(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(nodeList{Nodes: s.coord.Nodes()})
}

// RegisterCluster serves c's allocator and admin services on s.
func RegisterCluster(s grpc.ServiceRegistrar, c *cluster.Cluster, codec *node.Codec) {
	RegisterAllocator(s, NetworkAllocators(c), codec)
	RegisterAdmin(s, c)
}
