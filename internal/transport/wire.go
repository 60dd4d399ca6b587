// Package transport carries allocation, instantiation, network-info and
// cluster administration calls over gRPC. Messages are protobuf well-known
// types; structured payloads travel as JSON objects inside a structpb.Struct,
// so services are declared by hand without generated stubs.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"nodefleet/internal/cluster"
	"nodefleet/internal/node"

	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// NetworkHeader selects the instance an allocator call is for.
	NetworkHeader = "nodefleet-network"
	// ClusterHeader selects the declared cluster a coordinator forwards to.
	ClusterHeader = "nodefleet-cluster"
)

// RemoteAddress is the communication key of the instance serving network at
// addr.
func RemoteAddress(addr, network string) string {
	if network == "" {
		return addr
	}
	return addr + "#" + network
}

// SplitRemote undoes RemoteAddress.
func SplitRemote(remote string) (addr, network string) {
	if i := strings.LastIndex(remote, "#"); i >= 0 {
		return remote[:i], remote[i+1:]
	}
	return remote, ""
}

type allocationRequest struct {
	ParentNode string          `json:"parent_node,omitempty"`
	Node       string          `json:"node"`
	Tags       []string        `json:"tags,omitempty"`
	Components []node.Envelope `json:"components,omitempty"`
}

type allocationResult struct {
	Success *allocationSuccess `json:"success,omitempty"`
	Failure *allocationFailure `json:"failure,omitempty"`
}

type allocationSuccess struct {
	Node       string          `json:"node"`
	Components []node.Envelope `json:"components,omitempty"`
}

type allocationFailure struct {
	Error string `json:"error"`
	Code  uint32 `json:"code,omitempty"`
}

type canAllocateRequest struct {
	Parent string   `json:"parent,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

func encodeRequest(codec *node.Codec, req cluster.Request) (allocationRequest, error) {
	out := allocationRequest{ParentNode: req.ParentNode, Node: req.Node, Tags: req.Tags}
	for _, c := range req.Components {
		s, ok := c.(node.Shared)
		if !ok {
			return allocationRequest{}, fmt.Errorf("component %s of %q cannot cross the network: %w", c.ComponentKind(), req.Node, errdefs.ErrInvalidArgument)
		}
		env, err := codec.Encode(s)
		if err != nil {
			return allocationRequest{}, err
		}
		out.Components = append(out.Components, env)
	}
	return out, nil
}

func decodeRequest(codec *node.Codec, in allocationRequest) (cluster.Request, error) {
	shared, err := codec.DecodeAll(in.Components)
	if err != nil {
		return cluster.Request{}, err
	}
	req := cluster.Request{ParentNode: in.ParentNode, Node: in.Node, Tags: in.Tags}
	for _, s := range shared {
		req.Components = append(req.Components, s)
	}
	return req, nil
}

func encodeResult(codec *node.Codec, res cluster.Result) allocationResult {
	if !res.OK() {
		return failureResult(res.Err)
	}
	envs, err := codec.EncodeAll(res.Components)
	if err != nil {
		return failureResult(err)
	}
	return allocationResult{Success: &allocationSuccess{Node: res.Node, Components: envs}}
}

func failureResult(err error) allocationResult {
	st, _ := status.FromError(errgrpc.ToGRPC(err))
	return allocationResult{Failure: &allocationFailure{Error: err.Error(), Code: uint32(st.Code())}}
}

func decodeResult(codec *node.Codec, in allocationResult) cluster.Result {
	switch {
	case in.Failure != nil:
		code := codes.Code(in.Failure.Code)
		if code == codes.OK {
			code = codes.Unknown
		}
		return cluster.Failed(errgrpc.ToNative(status.Error(code, in.Failure.Error)))
	case in.Success != nil:
		shared, err := codec.DecodeAll(in.Success.Components)
		if err != nil {
			return cluster.Failed(fmt.Errorf("decode allocation result: %w", err))
		}
		return cluster.Successful(in.Success.Node, shared)
	default:
		return cluster.Failed(fmt.Errorf("allocation result is empty: %w", errdefs.ErrUnknown))
	}
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return fmt.Errorf("decode message: empty payload: %w", errdefs.ErrInvalidArgument)
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode message: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	return nil
}

// unary builds the method descriptor of a unary call on a service whose
// handler type is S. Handler errors are mapped to gRPC statuses.
func unary[S any, Req, Resp proto.Message](service, method string, newReq func() Req, call func(S, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	name := fullMethod(service, method)
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				out, err := call(srv.(S), ctx, req.(Req))
				if err != nil {
					return nil, errgrpc.ToGRPC(err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: name}, handler)
		},
	}
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

func header(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

// fromGRPC maps a call error back to its errdefs class.
func fromGRPC(err error) error {
	if err == nil {
		return nil
	}
	return errgrpc.ToNative(err)
}
