package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	grpcproxy "github.com/siderolabs/grpc-proxy/proxy"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ClusterDirector routes calls carrying the cluster header to the declared
// address of that cluster. The coordinator uses it so clients reach a
// cluster's admin service without knowing where the cluster runs.
type ClusterDirector struct {
	lookup   func(cluster string) (string, bool)
	dialOpts []grpc.DialOption
	backends sync.Map
}

func NewClusterDirector(lookup func(cluster string) (string, bool), dialOpts ...grpc.DialOption) *ClusterDirector {
	return &ClusterDirector{lookup: lookup, dialOpts: dialOpts}
}

// Direct implements grpcproxy.StreamDirector.
func (d *ClusterDirector) Direct(ctx context.Context, fullMethodName string) (grpcproxy.Mode, []grpcproxy.Backend, error) {
	name := header(ctx, ClusterHeader)
	if name == "" {
		return grpcproxy.One2One, nil, status.Errorf(codes.Unimplemented, "unknown method %s", fullMethodName)
	}
	remote, ok := d.lookup(name)
	if !ok {
		return grpcproxy.One2One, nil, status.Errorf(codes.NotFound, "cluster %q is not declared", name)
	}
	return grpcproxy.One2One, []grpcproxy.Backend{d.backend(remote)}, nil
}

func (d *ClusterDirector) backend(remote string) *clusterBackend {
	if b, ok := d.backends.Load(remote); ok {
		return b.(*clusterBackend)
	}
	addr, network := SplitRemote(remote)
	b, loaded := d.backends.LoadOrStore(remote, &clusterBackend{addr: addr, network: network, dialOpts: d.dialOpts})
	if !loaded {
		slog.Debug("proxy backend created", "component", "cluster-director", "addr", addr, "network", network)
	}
	return b.(*clusterBackend)
}

// Close closes every backend connection.
func (d *ClusterDirector) Close() {
	d.backends.Range(func(key, value any) bool {
		value.(*clusterBackend).Close()
		d.backends.Delete(key)
		return true
	})
}

type clusterBackend struct {
	addr     string
	network  string
	dialOpts []grpc.DialOption

	mu   sync.Mutex
	conn *grpc.ClientConn
}

var _ grpcproxy.Backend = (*clusterBackend)(nil)

func (b *clusterBackend) String() string { return b.addr }

func (b *clusterBackend) GetConnection(ctx context.Context, _ string) (context.Context, *grpc.ClientConn, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	md = md.Copy()
	delete(md, ":authority")
	md.Delete(ClusterHeader)
	if b.network != "" {
		md.Set(NetworkHeader, b.network)
	}
	outCtx := metadata.NewOutgoingContext(ctx, md)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return outCtx, b.conn, nil
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.ForceCodecV2(grpcproxy.Codec())),
	}, b.dialOpts...)
	conn, err := grpc.NewClient(b.addr, opts...)
	if err != nil {
		return outCtx, nil, fmt.Errorf("dial cluster %s: %w", b.addr, err)
	}
	b.conn = conn
	return outCtx, conn, nil
}

// AppendInfo passes responses through unchanged; clusters are proxied one to
// one.
func (b *clusterBackend) AppendInfo(_ bool, resp []byte) ([]byte, error) { return resp, nil }

func (b *clusterBackend) BuildError(_ bool, err error) ([]byte, error) { return nil, err }

func (b *clusterBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}
