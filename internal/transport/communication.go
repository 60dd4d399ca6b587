package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"nodefleet/internal/service"

	"github.com/containerd/errdefs"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

var _ service.Communication = (*Communication)(nil)

// Communication dials remotes over gRPC and caches one connection per address
// and one proxy per identity. A remote is an address optionally suffixed with
// "#<network>", in which case calls carry the network header.
type Communication struct {
	dialOpts []grpc.DialOption
	aliases  map[string]string
	log      *slog.Logger

	mu      sync.Mutex
	conns   map[string]*grpc.ClientConn
	proxies map[service.Identity]any
}

type CommunicationOption func(*Communication)

// WithDialOptions appends options used for every connection.
func WithDialOptions(opts ...grpc.DialOption) CommunicationOption {
	return func(c *Communication) { c.dialOpts = append(c.dialOpts, opts...) }
}

// WithAlias makes remote name dial addr instead.
func WithAlias(name, addr string) CommunicationOption {
	return func(c *Communication) { c.aliases[strings.TrimSpace(name)] = strings.TrimSpace(addr) }
}

func NewCommunication(opts ...CommunicationOption) *Communication {
	c := &Communication{
		aliases: make(map[string]string),
		log:     slog.With("component", "communication"),
		conns:   make(map[string]*grpc.ClientConn),
		proxies: make(map[service.Identity]any),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Proxy returns the cached proxy for id, building it over a channel to
// id.Remote on first use.
func (c *Communication) Proxy(id service.Identity, build func(service.Channel) any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.proxies[id]; ok {
		return p, nil
	}
	ch, err := c.channelLocked(id.Remote)
	if err != nil {
		return nil, err
	}
	p := build(ch)
	c.proxies[id] = p
	return p, nil
}

// Channel returns a channel to remote. Extra key/value pairs are sent as
// metadata on every call.
func (c *Communication) Channel(remote string, kv ...string) (service.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.channelLocked(remote)
	if err != nil {
		return nil, err
	}
	ch.md = append(ch.md, kv...)
	return ch, nil
}

func (c *Communication) channelLocked(remote string) (*channel, error) {
	remote = strings.TrimSpace(remote)
	addr, network := SplitRemote(remote)
	if alias, ok := c.aliases[addr]; ok {
		addr = alias
	}
	if addr == "" {
		return nil, fmt.Errorf("dial %q: address is required: %w", remote, errdefs.ErrInvalidArgument)
	}
	conn, ok := c.conns[addr]
	if !ok {
		opts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		}, c.dialOpts...)
		var err error
		conn, err = grpc.NewClient(addr, opts...)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		c.conns[addr] = conn
		c.log.Debug("connection created", "addr", addr)
	}
	ch := &channel{conn: conn, remote: remote}
	if network != "" {
		ch.md = []string{NetworkHeader, network}
	}
	return ch, nil
}

// Close closes every connection and drops cached proxies.
func (c *Communication) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	clear(c.conns)
	clear(c.proxies)
	return errors.Join(errs...)
}

type channel struct {
	conn   *grpc.ClientConn
	remote string
	md     []string
}

var _ service.Channel = (*channel)(nil)

func (c *channel) Remote() string { return c.remote }

func (c *channel) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	return c.conn.Invoke(c.outgoing(ctx), method, args, reply, opts...)
}

func (c *channel) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return c.conn.NewStream(c.outgoing(ctx), desc, method, opts...)
}

func (c *channel) outgoing(ctx context.Context) context.Context {
	if len(c.md) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, c.md...)
}
