// Package coordinator is the network-level endpoint of a fleet. Cluster
// instances declare themselves to it; it serves node metadata for the network
// and forwards allocation work to a named cluster, keeping its own view of
// the network's nodes in step with the results.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"nodefleet/internal/cluster"
	"nodefleet/internal/node"
	"nodefleet/internal/service"

	"github.com/containerd/errdefs"
)

var _ cluster.Instantiation = (*Coordinator)(nil)
var _ node.InfoService = (*Coordinator)(nil)

type Coordinator struct {
	network      *node.Network
	allocatorKey AllocatorKey
	registry     Registry
	now          func() time.Time
	log          *slog.Logger

	mu       sync.RWMutex
	clusters map[string]cluster.Declaration
	// hosts maps node name to the cluster that allocated it.
	hosts map[string]string
}

type Option func(*Coordinator)

func WithRegistry(r Registry) Option {
	return func(c *Coordinator) { c.registry = r }
}

func WithClock(clk cluster.Clock) Option {
	return func(c *Coordinator) { c.now = clk.Now }
}

func New(network *node.Network, allocatorKey AllocatorKey, opts ...Option) (*Coordinator, error) {
	if network == nil || network.Name() == "" {
		return nil, fmt.Errorf("coordinator: network is required: %w", errdefs.ErrInvalidArgument)
	}
	if allocatorKey == nil {
		return nil, fmt.Errorf("coordinator: allocator key is required: %w", errdefs.ErrInvalidArgument)
	}
	c := &Coordinator{
		network:      network,
		allocatorKey: allocatorKey,
		now:          time.Now,
		log:          slog.With("component", "coordinator", "network", network.Name()),
		clusters:     make(map[string]cluster.Declaration),
		hosts:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Coordinator) Network() *node.Network { return c.network }

// Restore reloads declared clusters from the registry.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.registry == nil {
		return nil
	}
	decls, err := c.registry.ListDeclarations(ctx, c.network.Name())
	if err != nil {
		return fmt.Errorf("restore declarations: %w", err)
	}
	c.mu.Lock()
	for _, d := range decls {
		c.clusters[d.Cluster] = d
	}
	c.mu.Unlock()
	c.log.Info("declarations restored", "count", len(decls))
	return nil
}

// DeclareClusterInstance records that a cluster serves this network at
// d.Address. A repeated declaration replaces the address.
func (c *Coordinator) DeclareClusterInstance(ctx context.Context, d cluster.Declaration) error {
	d.Cluster = strings.TrimSpace(d.Cluster)
	d.Address = strings.TrimSpace(d.Address)
	if d.Cluster == "" || d.Address == "" {
		return fmt.Errorf("declare cluster: cluster and address are required: %w", errdefs.ErrInvalidArgument)
	}
	if d.Network != c.network.Name() {
		return fmt.Errorf("declare cluster %q: network %q is not served here: %w", d.Cluster, d.Network, errdefs.ErrInvalidArgument)
	}
	if c.registry != nil {
		if err := c.registry.SaveDeclaration(ctx, d, c.now()); err != nil {
			return fmt.Errorf("declare cluster %q: %w", d.Cluster, err)
		}
	}

	c.mu.Lock()
	prev, existed := c.clusters[d.Cluster]
	c.clusters[d.Cluster] = d
	c.mu.Unlock()

	if existed && prev.Address != d.Address {
		c.log.Info("cluster moved", "cluster", d.Cluster, "from", prev.Address, "to", d.Address)
	} else if !existed {
		c.log.Info("cluster declared", "cluster", d.Cluster, "address", d.Address)
	}
	return nil
}

// Forget drops a declared cluster. Nodes it allocated stay registered.
func (c *Coordinator) Forget(ctx context.Context, name string) error {
	c.mu.Lock()
	_, ok := c.clusters[name]
	delete(c.clusters, name)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("forget cluster %q: %w", name, errdefs.ErrNotFound)
	}
	if c.registry != nil {
		if err := c.registry.DeleteDeclaration(ctx, c.network.Name(), name); err != nil {
			return fmt.Errorf("forget cluster %q: %w", name, err)
		}
	}
	return nil
}

// Clusters lists declared clusters ordered by name.
func (c *Coordinator) Clusters() []cluster.Declaration {
	c.mu.RLock()
	out := make([]cluster.Declaration, 0, len(c.clusters))
	for _, d := range c.clusters {
		out = append(out, d)
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b cluster.Declaration) int { return strings.Compare(a.Cluster, b.Cluster) })
	return out
}

func (c *Coordinator) Lookup(name string) (cluster.Declaration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.clusters[name]
	return d, ok
}

// Address returns the communication key of a declared cluster.
func (c *Coordinator) Address(name string) (string, bool) {
	d, ok := c.Lookup(name)
	return d.Address, ok
}

// NodeEntry is a node known to the coordinator.
type NodeEntry struct {
	node.Info
	Cluster string `json:"cluster,omitempty"`
}

// Nodes lists the network's nodes ordered by name. Nodes registered without
// going through a cluster carry no cluster name.
func (c *Coordinator) Nodes() []NodeEntry {
	names := c.network.Names()
	out := make([]NodeEntry, 0, len(names))
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, name := range names {
		ref, ok := c.network.Lookup(name)
		if !ok {
			continue
		}
		out = append(out, NodeEntry{Info: ref.Node().Info(), Cluster: c.hosts[name]})
	}
	return out
}

func (c *Coordinator) FetchNodeInfo(_ context.Context, name string) (node.Info, error) {
	ref, ok := c.network.Lookup(name)
	if !ok {
		return node.Info{}, fmt.Errorf("node %q in %q: %w", name, c.network.Name(), errdefs.ErrNotFound)
	}
	return ref.Node().Info(), nil
}

func (c *Coordinator) FetchNodeNames(context.Context) ([]string, error) {
	return c.network.Names(), nil
}

// Allocator returns an allocator that forwards to the named cluster.
func (c *Coordinator) Allocator(name string) (cluster.Allocator, error) {
	if _, ok := c.Lookup(name); !ok {
		return nil, fmt.Errorf("cluster %q is not declared in %q: %w", name, c.network.Name(), errdefs.ErrNotFound)
	}
	return &forwarder{coord: c, cluster: name}, nil
}

func (c *Coordinator) remote(name string) (cluster.Allocator, error) {
	d, ok := c.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("cluster %q is not declared in %q: %w", name, c.network.Name(), errdefs.ErrNotFound)
	}
	alloc, err := service.Require(c.network.Services(), c.allocatorKey(d.Address))
	if err != nil {
		return nil, fmt.Errorf("reach cluster %q: %w", name, err)
	}
	return alloc, nil
}

// adopt registers a node a cluster allocated, carrying the components the
// cluster shared back.
func (c *Coordinator) adopt(clusterName string, req cluster.Request, res cluster.Result) error {
	mn, err := node.NewBuilder(c.network, res.Node).
		Parent(req.ParentNode).
		Tags(req.Tags...).
		BuildManaged()
	if err != nil {
		return err
	}
	for _, s := range res.Components {
		if err := mn.Attach(s); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.network.Register(mn); err != nil {
		return err
	}
	c.hosts[res.Node] = clusterName
	return nil
}

func (c *Coordinator) forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.network.Deregister(name)
	delete(c.hosts, name)
}

type forwarder struct {
	coord   *Coordinator
	cluster string
}

func (f *forwarder) CanAllocate(ctx context.Context, parent string, tags []string) (bool, error) {
	alloc, err := f.coord.remote(f.cluster)
	if err != nil {
		return false, err
	}
	return alloc.CanAllocate(ctx, parent, tags)
}

func (f *forwarder) Allocate(ctx context.Context, req cluster.Request) cluster.Result {
	log := f.coord.log.With("cluster", f.cluster, "node", req.Node)
	if _, taken := f.coord.network.Lookup(req.Node); taken {
		return cluster.Failed(fmt.Errorf("node %q already exists in %q: %w", req.Node, f.coord.network.Name(), errdefs.ErrAlreadyExists))
	}
	alloc, err := f.coord.remote(f.cluster)
	if err != nil {
		return cluster.Failed(err)
	}
	res := alloc.Allocate(ctx, req)
	if !res.OK() {
		log.Warn("forwarded allocation failed", "err", res.Err)
		return res
	}
	if err := f.coord.adopt(f.cluster, req, res); err != nil {
		log.Warn("register allocated node", "err", err)
	} else {
		log.Info("node allocated")
	}
	return res
}

func (f *forwarder) Destroy(ctx context.Context, name string) error {
	f.coord.mu.RLock()
	host, known := f.coord.hosts[name]
	f.coord.mu.RUnlock()
	if known && host != f.cluster {
		return fmt.Errorf("destroy %q: node is hosted by cluster %q: %w", name, host, errdefs.ErrFailedPrecondition)
	}
	alloc, err := f.coord.remote(f.cluster)
	if err != nil {
		return err
	}
	if err := alloc.Destroy(ctx, name); err != nil {
		return err
	}
	f.coord.forget(name)
	f.coord.log.Info("node destroyed", "cluster", f.cluster, "node", name)
	return nil
}
