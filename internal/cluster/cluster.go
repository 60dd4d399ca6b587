// Package cluster allocates nodes on a host. A Cluster owns the package
// manager and admission policy; it runs one Instance per network, each with
// its own working directory and enabled flag.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"nodefleet/internal/attach"
	"nodefleet/internal/node"
	"nodefleet/internal/packages"
	"nodefleet/internal/service"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/errdefs"
	"go.opentelemetry.io/otel/trace"
)

// DefaultInfoKey resolves the network-info service when no key is injected.
var DefaultInfoKey service.Key[node.InfoService] = service.Local[node.InfoService]("nodefleet.network.info")

type Cluster struct {
	name      string
	root      string
	packages  *packages.Manager
	admission Admission
	ledger    Ledger
	clock     Clock
	tracer    trace.Tracer
	pipeline  *attach.Pipeline
	infoKey   service.Key[node.InfoService]
	declKey   service.Key[Instantiation]
	address   func(network string) string
	backoff   func() backoff.BackOff

	mu        sync.Mutex
	instances map[string]*Instance
}

type Option func(*Cluster)

func WithAdmission(a Admission) Option {
	return func(c *Cluster) { c.admission = a }
}

func WithLedger(l Ledger) Option {
	return func(c *Cluster) { c.ledger = l }
}

func WithClock(clk Clock) Option {
	return func(c *Cluster) { c.clock = clk }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Cluster) { c.tracer = t }
}

// WithPipeline overrides the attachment pipeline built from the package
// manager.
func WithPipeline(p *attach.Pipeline) Option {
	return func(c *Cluster) { c.pipeline = p }
}

// WithInfoKey sets the key the network-info service is resolved by.
func WithInfoKey(k service.Key[node.InfoService]) Option {
	return func(c *Cluster) { c.infoKey = k }
}

// WithInstantiationKey sets the key instances announce themselves through.
func WithInstantiationKey(k service.Key[Instantiation]) Option {
	return func(c *Cluster) { c.declKey = k }
}

// WithAddress sets the address announced to coordinators.
func WithAddress(addr string) Option {
	addr = strings.TrimSpace(addr)
	return func(c *Cluster) { c.address = func(string) string { return addr } }
}

// WithNetworkAddress derives the announced address from the network name,
// for clusters reached under a different address per network.
func WithNetworkAddress(fn func(network string) string) Option {
	return func(c *Cluster) { c.address = fn }
}

// WithAnnounceBackoff sets the retry policy used by Instance.Announce.
func WithAnnounceBackoff(newBackoff func() backoff.BackOff) Option {
	return func(c *Cluster) { c.backoff = newBackoff }
}

// New creates a cluster named name whose instances live under root.
func New(name, root string, pm *packages.Manager, opts ...Option) (*Cluster, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("cluster name is required: %w", errdefs.ErrInvalidArgument)
	}
	if root == "" || pm == nil {
		return nil, fmt.Errorf("cluster %q: root and package manager are required: %w", name, errdefs.ErrInvalidArgument)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cluster root: %w", err)
	}
	c := &Cluster{
		name:      name,
		root:      root,
		packages:  pm,
		admission: AllowAll,
		clock:     realClock{},
		infoKey:   DefaultInfoKey,
		instances: make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pipeline == nil {
		c.pipeline = attach.NewPipeline(pm, attach.WithTracer(c.tracer))
	}
	return c, nil
}

func (c *Cluster) newBackoff() backoff.BackOff {
	if c.backoff != nil {
		return c.backoff()
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(announceInitialInterval),
		backoff.WithMaxInterval(announceMaxInterval),
		backoff.WithMaxElapsedTime(announceMaxElapsed),
	)
}

func (c *Cluster) Name() string                { return c.name }
func (c *Cluster) Root() string                { return c.root }
func (c *Cluster) Packages() *packages.Manager { return c.packages }

// Instance returns the instance serving network, creating it on first use.
// A new instance restores its enabled flag and allocations from the ledger;
// ledger rows whose directories are gone are pruned.
func (c *Cluster) Instance(ctx context.Context, network *node.Network) (*Instance, error) {
	if network == nil || network.Name() == "" {
		return nil, fmt.Errorf("cluster %q: network is required: %w", c.name, errdefs.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.instances[network.Name()]; ok {
		if inst.network != network {
			return nil, fmt.Errorf("cluster %q already serves a different network named %q: %w", c.name, network.Name(), errdefs.ErrAlreadyExists)
		}
		return inst, nil
	}

	dir := filepath.Join(c.root, network.Name())
	if err := os.MkdirAll(filepath.Join(dir, nodesDir), 0o755); err != nil {
		return nil, fmt.Errorf("create instance dir: %w", err)
	}
	inst := newInstance(c, network, dir)
	if err := inst.restore(ctx); err != nil {
		return nil, err
	}
	c.instances[network.Name()] = inst
	slog.Info("cluster instance ready", "component", "cluster", "cluster", c.name, "network", network.Name(), "phase", inst.Phase())
	return inst, nil
}

// Lookup returns the instance serving the named network.
func (c *Cluster) Lookup(network string) (*Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[network]
	return inst, ok
}

// Instances lists instances ordered by network name.
func (c *Cluster) Instances() []*Instance {
	c.mu.Lock()
	out := make([]*Instance, 0, len(c.instances))
	for _, inst := range c.instances {
		out = append(out, inst)
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b *Instance) int { return strings.Compare(a.network.Name(), b.network.Name()) })
	return out
}

func (c *Cluster) instance(network string) (*Instance, error) {
	inst, ok := c.Lookup(network)
	if !ok {
		return nil, fmt.Errorf("cluster %q serves no network %q: %w", c.name, network, errdefs.ErrNotFound)
	}
	return inst, nil
}

// AllocationRecords lists the allocations of the instance serving network.
func (c *Cluster) AllocationRecords(network string) ([]AllocationRecord, error) {
	inst, err := c.instance(network)
	if err != nil {
		return nil, err
	}
	allocs := inst.Allocations()
	out := make([]AllocationRecord, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, a.Record())
	}
	return out, nil
}

// SetEnabled enables or disables the instance serving network.
func (c *Cluster) SetEnabled(ctx context.Context, network string, enabled bool) error {
	inst, err := c.instance(network)
	if err != nil {
		return err
	}
	if enabled {
		return inst.Enable(ctx)
	}
	return inst.Disable(ctx)
}
