package transport

import (
	"context"
	"fmt"
	"strings"

	"nodefleet/internal/cluster"
	"nodefleet/internal/node"
	"nodefleet/internal/service"

	"github.com/containerd/errdefs"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const AllocatorService = "nodefleet.Allocator"

// AllocatorCapability names the allocator in service catalogs.
const AllocatorCapability = "nodefleet.allocator"

// AllocatorKey returns the remote key of an instance's allocator. Bind it to
// an instance with On(RemoteAddress(addr, network)).
func AllocatorKey(codec *node.Codec) service.RemoteKey[cluster.Allocator] {
	return service.Remote(AllocatorCapability, "", func(ch service.Channel) cluster.Allocator {
		return NewAllocatorClient(ch, codec)
	})
}

type allocatorClient struct {
	ch    service.Channel
	codec *node.Codec
}

var _ cluster.Allocator = (*allocatorClient)(nil)

// NewAllocatorClient returns an Allocator calling through ch. Request
// components must be shared components the codec can encode.
func NewAllocatorClient(ch service.Channel, codec *node.Codec) cluster.Allocator {
	return &allocatorClient{ch: ch, codec: codec}
}

func (c *allocatorClient) CanAllocate(ctx context.Context, parent string, tags []string) (bool, error) {
	in, err := toStruct(canAllocateRequest{Parent: parent, Tags: tags})
	if err != nil {
		return false, err
	}
	out := new(wrapperspb.BoolValue)
	if err := c.ch.Invoke(ctx, fullMethod(AllocatorService, "CanAllocate"), in, out); err != nil {
		return false, fromGRPC(err)
	}
	return out.GetValue(), nil
}

func (c *allocatorClient) Allocate(ctx context.Context, req cluster.Request) cluster.Result {
	wire, err := encodeRequest(c.codec, req)
	if err != nil {
		return cluster.Failed(err)
	}
	in, err := toStruct(wire)
	if err != nil {
		return cluster.Failed(err)
	}
	out := new(structpb.Struct)
	if err := c.ch.Invoke(ctx, fullMethod(AllocatorService, "Allocate"), in, out); err != nil {
		return cluster.Failed(fmt.Errorf("allocate %q on %s: %w", req.Node, c.ch.Remote(), fromGRPC(err)))
	}
	var res allocationResult
	if err := fromStruct(out, &res); err != nil {
		return cluster.Failed(err)
	}
	return decodeResult(c.codec, res)
}

func (c *allocatorClient) Destroy(ctx context.Context, name string) error {
	if err := c.ch.Invoke(ctx, fullMethod(AllocatorService, "Destroy"), wrapperspb.String(name), new(emptypb.Empty)); err != nil {
		return fromGRPC(err)
	}
	return nil
}

// AllocatorResolver picks the allocator an incoming call is for.
type AllocatorResolver func(ctx context.Context) (cluster.Allocator, error)

// NetworkAllocators resolves allocators of c's instances by the network
// header.
func NetworkAllocators(c *cluster.Cluster) AllocatorResolver {
	return func(ctx context.Context) (cluster.Allocator, error) {
		network := header(ctx, NetworkHeader)
		if network == "" {
			return nil, fmt.Errorf("missing %s header: %w", NetworkHeader, errdefs.ErrInvalidArgument)
		}
		inst, ok := c.Lookup(network)
		if !ok {
			return nil, fmt.Errorf("cluster %q serves no network %q: %w", c.Name(), network, errdefs.ErrNotFound)
		}
		return inst.Allocator(), nil
	}
}

// ClusterAllocators resolves allocators by the cluster header through lookup.
func ClusterAllocators(lookup func(name string) (cluster.Allocator, error)) AllocatorResolver {
	return func(ctx context.Context) (cluster.Allocator, error) {
		name := header(ctx, ClusterHeader)
		if name == "" {
			return nil, fmt.Errorf("missing %s header: %w", ClusterHeader, errdefs.ErrInvalidArgument)
		}
		return lookup(name)
	}
}

type allocatorHandler interface {
	canAllocate(ctx context.Context, in *structpb.Struct) (*wrapperspb.BoolValue, error)
	allocate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	destroy(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error)
}

var allocatorDesc = grpc.ServiceDesc{
	ServiceName: AllocatorService,
	HandlerType: (*allocatorHandler)(nil),
	Methods: []grpc.MethodDesc{
		unary(AllocatorService, "CanAllocate", newStruct, allocatorHandler.canAllocate),
		unary(AllocatorService, "Allocate", newStruct, allocatorHandler.allocate),
		unary(AllocatorService, "Destroy", newString, allocatorHandler.destroy),
	},
}

// RegisterAllocator serves the Allocator service on s.
func RegisterAllocator(s grpc.ServiceRegistrar, resolve AllocatorResolver, codec *node.Codec) {
	s.RegisterService(&allocatorDesc, &allocatorServer{resolve: resolve, codec: codec})
}

type allocatorServer struct {
	resolve AllocatorResolver
	codec   *node.Codec
}

func (s *allocatorServer) canAllocate(ctx context.Context, in *structpb.Struct) (*wrapperspb.BoolValue, error) {
	var req canAllocateRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	alloc, err := s.resolve(ctx)
	if err != nil {
		return nil, err
	}
	ok, err := alloc.CanAllocate(ctx, req.Parent, req.Tags)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bool(ok), nil
}

// allocate reports allocation failures inside the result; only a malformed
// message fails the call itself.
func (s *allocatorServer) allocate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var wire allocationRequest
	if err := fromStruct(in, &wire); err != nil {
		return nil, err
	}
	var res cluster.Result
	if req, err := decodeRequest(s.codec, wire); err != nil {
		res = cluster.Failed(err)
	} else if alloc, err := s.resolve(ctx); err != nil {
		res = cluster.Failed(err)
	} else {
		res = alloc.Allocate(ctx, req)
	}
	return toStruct(encodeResult(s.codec, res))
}

func (s *allocatorServer) destroy(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	name := strings.TrimSpace(in.GetValue())
	if name == "" {
		return nil, fmt.Errorf("destroy: node name is required: %w", errdefs.ErrInvalidArgument)
	}
	alloc, err := s.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if err := alloc.Destroy(ctx, name); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func newStruct() *structpb.Struct        { return new(structpb.Struct) }
func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }
func newEmpty() *emptypb.Empty           { return new(emptypb.Empty) }
