package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"nodefleet/internal/attach"
	"nodefleet/internal/node"
	"nodefleet/internal/service"
	"nodefleet/internal/telemetry"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/errdefs"
	"go.opentelemetry.io/otel/attribute"
)

const nodesDir = "nodes"

const (
	announceInitialInterval = 200 * time.Millisecond
	announceMaxInterval     = 5 * time.Second
	announceMaxElapsed      = time.Minute
)

var allocatePlan = telemetry.Plan{Steps: []telemetry.PlannedStep{
	{ID: "parent", Title: "resolving parent node"},
	{ID: "node", Title: "building node"},
	{ID: "directory", Title: "creating node directory"},
	{ID: "creation", Title: "running creation adapters"},
	{ID: "attachments", Title: "installing packages"},
	{ID: "adapters", Title: "running allocation adapters"},
	{ID: "register", Title: "registering node"},
}}

// Allocation binds a managed node to its directory on this host.
type Allocation struct {
	instance  *Instance
	node      *node.ManagedNode
	path      string
	createdAt time.Time
}

func (*Allocation) ComponentKind() node.ComponentKind { return node.KindAllocation }

func (a *Allocation) Instance() *Instance     { return a.instance }
func (a *Allocation) Node() *node.ManagedNode { return a.node }
func (a *Allocation) Path() string            { return a.path }
func (a *Allocation) CreatedAt() time.Time    { return a.createdAt }

// Record is the persisted form of a.
func (a *Allocation) Record() AllocationRecord {
	return AllocationRecord{
		Cluster:   a.instance.cluster.name,
		Network:   a.instance.network.Name(),
		Node:      a.node.Name(),
		Parent:    a.node.ParentName(),
		Tags:      a.node.Tags().Strings(),
		Path:      a.path,
		CreatedAt: a.createdAt,
	}
}

// Instance is a cluster's presence in one network.
type Instance struct {
	cluster *Cluster
	network *node.Network
	dir     string
	log     *slog.Logger

	// admit serializes admission with reservation.
	admit sync.Mutex

	mu          sync.Mutex
	phase       Phase
	allocations map[string]*Allocation
	pending     map[string]struct{}
}

func newInstance(c *Cluster, network *node.Network, dir string) *Instance {
	return &Instance{
		cluster:     c,
		network:     network,
		dir:         dir,
		log:         slog.With("component", "cluster-instance", "cluster", c.name, "network", network.Name()),
		phase:       PhaseEnabled,
		allocations: make(map[string]*Allocation),
		pending:     make(map[string]struct{}),
	}
}

func (i *Instance) Cluster() *Cluster      { return i.cluster }
func (i *Instance) Network() *node.Network { return i.network }
func (i *Instance) Dir() string            { return i.dir }

// NodePath is the directory a node named name is allocated in.
func (i *Instance) NodePath(name string) string {
	return filepath.Join(i.dir, nodesDir, name)
}

func (i *Instance) Phase() Phase {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.phase
}

func (i *Instance) Enabled() bool { return i.Phase() == PhaseEnabled }

// Len is the number of allocations.
func (i *Instance) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.allocations)
}

// Occupied is the number of allocations plus those still in progress.
func (i *Instance) Occupied() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.allocations) + len(i.pending)
}

// Allocations lists allocations ordered by node name.
func (i *Instance) Allocations() []*Allocation {
	i.mu.Lock()
	out := make([]*Allocation, 0, len(i.allocations))
	for _, a := range i.allocations {
		out = append(out, a)
	}
	i.mu.Unlock()
	slices.SortFunc(out, func(a, b *Allocation) int { return strings.Compare(a.node.Name(), b.node.Name()) })
	return out
}

func (i *Instance) Allocation(name string) (*Allocation, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	a, ok := i.allocations[name]
	return a, ok
}

func (i *Instance) Enable(ctx context.Context) error  { return i.setPhase(ctx, PhaseEnabled) }
func (i *Instance) Disable(ctx context.Context) error { return i.setPhase(ctx, PhaseDisabled) }

func (i *Instance) setPhase(ctx context.Context, to Phase) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.phase == to {
		return nil
	}
	if l := i.cluster.ledger; l != nil {
		rec := InstanceRecord{Cluster: i.cluster.name, Network: i.network.Name(), Enabled: to == PhaseEnabled, UpdatedAt: i.cluster.clock.Now()}
		if err := l.SaveInstance(ctx, rec); err != nil {
			return fmt.Errorf("persist instance phase: %w", err)
		}
	}
	i.phase = i.phase.Transition(to)
	i.log.Info("instance phase changed", "phase", i.phase)
	return nil
}

// CanAllocate reports whether the instance would accept a node under parent
// with tags. A disabled instance accepts nothing.
func (i *Instance) CanAllocate(parent string, tags node.Tags) bool {
	if !i.Enabled() {
		return false
	}
	return i.cluster.admission(i.cluster, i, parent, tags)
}

// Allocate creates a node from req: it resolves the parent, builds the managed
// node, creates its directory, installs its attachments and runs its adapters.
// It never panics; every failure is returned as a Failed result and leaves
// neither a directory nor a registration behind.
func (i *Instance) Allocate(ctx context.Context, req Request) (res Result) {
	name := strings.TrimSpace(req.Node)
	log := i.log.With("node", name)
	fail := func(step string, err error) Result {
		log.Warn("allocation failed", "step", step, "err", err)
		return Failed(&AllocationError{Cluster: i.cluster.name, Network: i.network.Name(), Node: name, Step: step, Err: err})
	}
	defer func() {
		if r := recover(); r != nil {
			res = fail("panic", fmt.Errorf("allocation panicked: %v", r))
		}
	}()

	if err := node.ValidateName(name); err != nil {
		return fail("validate", err)
	}
	if step, err := i.admitAndReserve(name, req.ParentNode, node.NewTags(req.Tags...)); err != nil {
		return fail(step, err)
	}

	var (
		path      string
		committed bool
	)
	defer func() {
		if committed {
			return
		}
		if path != "" {
			if err := os.RemoveAll(path); err != nil {
				log.Warn("remove node directory after failed allocation", "path", path, "err", err)
			}
		}
		i.release(name)
	}()

	op, err := telemetry.EmitPlan(ctx, telemetry.Tracer(i.cluster.tracer), "cluster.allocate", allocatePlan,
		attribute.String("cluster", i.cluster.name),
		attribute.String("network", i.network.Name()),
		attribute.String("node", name),
	)
	if err != nil {
		return fail("telemetry", err)
	}
	var stepErr error
	step := ""
	run := func(id string, fn func(context.Context) error) bool {
		if stepErr != nil {
			return false
		}
		step = id
		stepErr = op.RunStep(op.Context(), id, fn)
		return stepErr == nil
	}

	var (
		parent string
		mn     *node.ManagedNode
		alloc  *Allocation
	)
	run("parent", func(ctx context.Context) error {
		p, err := i.resolveParent(ctx, req.ParentNode)
		parent = p
		return err
	})
	run("node", func(context.Context) error {
		var err error
		mn, err = node.NewBuilder(i.network, name).
			Parent(parent).
			Tags(req.Tags...).
			Components(req.Components...).
			BuildManaged()
		return err
	})
	run("directory", func(context.Context) error {
		p := i.NodePath(name)
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("create node directory: %w", err)
		}
		path = p
		alloc = &Allocation{instance: i, node: mn, path: p, createdAt: i.cluster.clock.Now()}
		if err := mn.Attach(alloc); err != nil {
			return err
		}
		return mn.Attach(node.HostPointer{Host: i.network.LocalNode(), Cluster: i.cluster.name, Path: p})
	})
	run("creation", func(ctx context.Context) error {
		for _, a := range node.ComponentsOf[CreationAdapter](mn) {
			if err := a.NodeCreated(ctx, mn, path); err != nil {
				return err
			}
		}
		return nil
	})
	run("attachments", func(ctx context.Context) error {
		placement := attach.Placement{Node: mn.Node(), NodePath: path, Host: i.hostNode(), HostPath: i.dir}
		results := i.cluster.pipeline.Apply(ctx, placement, node.ComponentsOf[*attach.Attachment](mn))
		return attach.Join(results)
	})
	run("adapters", func(ctx context.Context) error {
		for _, a := range node.ComponentsOf[AllocationAdapter](mn) {
			if err := a.AdaptAllocation(ctx, i.cluster.packages, mn, path); err != nil {
				return err
			}
		}
		return nil
	})
	run("register", func(ctx context.Context) error {
		if err := i.commit(ctx, alloc); err != nil {
			return err
		}
		committed = true
		return nil
	})
	op.End(stepErr)
	if stepErr != nil {
		return fail(step, stepErr)
	}

	log.Info("node allocated", "path", path, "components", len(mn.Components()))
	return Successful(name, sharedComponents(mn))
}

// Allocator exposes i through the Allocator interface.
func (i *Instance) Allocator() Allocator { return instanceAllocator{inst: i} }

type instanceAllocator struct {
	inst *Instance
}

func (a instanceAllocator) CanAllocate(_ context.Context, parent string, tags []string) (bool, error) {
	return a.inst.CanAllocate(parent, node.NewTags(tags...)), nil
}

func (a instanceAllocator) Allocate(ctx context.Context, req Request) Result {
	return a.inst.Allocate(ctx, req)
}

func (a instanceAllocator) Destroy(ctx context.Context, name string) error {
	return a.inst.Destroy(ctx, name)
}

// reserve claims name for an allocation in progress.
// admitAndReserve runs admission and reserves name without letting another
// allocation pass admission in between.
func (i *Instance) admitAndReserve(name, parent string, tags node.Tags) (string, error) {
	i.admit.Lock()
	defer i.admit.Unlock()
	if !i.CanAllocate(parent, tags) {
		if !i.Enabled() {
			return "admission", fmt.Errorf("instance is disabled: %w", errdefs.ErrFailedPrecondition)
		}
		return "admission", fmt.Errorf("admission denied: %w", errdefs.ErrFailedPrecondition)
	}
	if err := i.reserve(name); err != nil {
		return "reserve", err
	}
	return "", nil
}

func (i *Instance) reserve(name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.phase != PhaseEnabled {
		return fmt.Errorf("instance is disabled: %w", errdefs.ErrFailedPrecondition)
	}
	if _, ok := i.allocations[name]; ok {
		return fmt.Errorf("node %q is already allocated: %w", name, errdefs.ErrAlreadyExists)
	}
	if _, ok := i.pending[name]; ok {
		return fmt.Errorf("node %q is being allocated: %w", name, errdefs.ErrAlreadyExists)
	}
	if _, ok := i.network.Lookup(name); ok {
		return fmt.Errorf("node %q already exists in %q: %w", name, i.network.Name(), errdefs.ErrAlreadyExists)
	}
	i.pending[name] = struct{}{}
	return nil
}

func (i *Instance) release(name string) {
	i.mu.Lock()
	delete(i.pending, name)
	i.mu.Unlock()
}

// commit lists the allocation and registers its node in one critical section.
func (i *Instance) commit(ctx context.Context, alloc *Allocation) error {
	name := alloc.node.Name()
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.network.Register(alloc.node); err != nil {
		return err
	}
	i.allocations[name] = alloc
	delete(i.pending, name)

	if l := i.cluster.ledger; l != nil {
		if err := l.SaveAllocation(ctx, alloc.Record()); err != nil {
			i.log.Warn("persist allocation", "node", name, "err", err)
		}
	}
	return nil
}

func (i *Instance) resolveParent(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil
	}
	if ref, ok := i.network.Lookup(name); ok {
		return ref.Node().Name(), nil
	}
	info, err := service.Require(i.network.Services(), i.cluster.infoKey)
	if err != nil {
		return "", fmt.Errorf("resolve parent %q: %w", name, err)
	}
	meta, err := info.FetchNodeInfo(ctx, name)
	if err != nil {
		return "", fmt.Errorf("fetch parent %q: %w", name, err)
	}
	parent, err := node.FromInfo(i.network, meta)
	if err != nil {
		return "", fmt.Errorf("parent %q: %w", name, err)
	}
	return parent.Name(), nil
}

// hostNode is the node this process runs as in the instance's network.
func (i *Instance) hostNode() *node.Node {
	local := i.network.LocalNode()
	if local == "" {
		return nil
	}
	if ref, ok := i.network.Lookup(local); ok {
		return ref.Node()
	}
	n, err := node.NewBuilder(i.network, local).Build()
	if err != nil {
		return nil
	}
	return n
}

func sharedComponents(mn *node.ManagedNode) []node.Shared {
	var out []node.Shared
	for _, s := range node.ComponentsOf[node.Shared](mn) {
		if s.ComponentType() == attach.ComponentType {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Destroy removes the node named name: it runs destruction adapters, deletes
// the node's directory, and then drops the allocation and the node's
// registration together. Unknown or unmanaged names fail without mutation.
func (i *Instance) Destroy(ctx context.Context, name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.phase != PhaseEnabled {
		return fmt.Errorf("destroy %q: instance is disabled: %w", name, errdefs.ErrFailedPrecondition)
	}
	alloc, ok := i.allocations[name]
	if !ok {
		if _, known := i.network.Lookup(name); known {
			return fmt.Errorf("destroy %q: node is not managed by cluster %q: %w", name, i.cluster.name, errdefs.ErrFailedPrecondition)
		}
		return fmt.Errorf("destroy %q: %w", name, errdefs.ErrNotFound)
	}

	for _, a := range node.ComponentsOf[DestructionAdapter](alloc.node) {
		if err := a.NodeDestroying(ctx, alloc.node, alloc.path); err != nil {
			return fmt.Errorf("destroy %q: destruction adapter: %w", name, err)
		}
	}
	err := telemetry.Span(ctx, i.cluster.tracer, "cluster.destroy", func(context.Context) error {
		return os.RemoveAll(alloc.path)
	}, attribute.String("node", name), attribute.String("network", i.network.Name()))
	if err != nil {
		return &DestroyError{Node: name, Path: alloc.path, Err: err}
	}

	delete(i.allocations, name)
	i.network.Deregister(name)
	if l := i.cluster.ledger; l != nil {
		if err := l.DeleteAllocation(ctx, i.cluster.name, i.network.Name(), name); err != nil {
			i.log.Warn("forget allocation", "node", name, "err", err)
		}
	}
	i.log.Info("node destroyed", "node", name)
	return nil
}

// restore loads the instance's persisted phase and re-adopts allocations
// whose directories still exist. Called before the instance is published.
func (i *Instance) restore(ctx context.Context) error {
	l := i.cluster.ledger
	if l == nil {
		return nil
	}
	rec, found, err := l.GetInstance(ctx, i.cluster.name, i.network.Name())
	if err != nil {
		return fmt.Errorf("load instance state: %w", err)
	}
	if found && !rec.Enabled {
		i.phase = PhaseDisabled
	}
	if !found {
		rec = InstanceRecord{Cluster: i.cluster.name, Network: i.network.Name(), Enabled: true, UpdatedAt: i.cluster.clock.Now()}
		if err := l.SaveInstance(ctx, rec); err != nil {
			return fmt.Errorf("persist instance state: %w", err)
		}
	}

	records, err := l.ListAllocations(ctx, i.cluster.name, i.network.Name())
	if err != nil {
		return fmt.Errorf("load allocations: %w", err)
	}
	for _, r := range records {
		path := r.Path
		if path == "" {
			path = i.NodePath(r.Node)
		}
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) || (err == nil && !info.IsDir()) {
			i.log.Info("pruning allocation without directory", "node", r.Node, "path", path)
			if err := l.DeleteAllocation(ctx, i.cluster.name, i.network.Name(), r.Node); err != nil {
				return fmt.Errorf("prune allocation %q: %w", r.Node, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("inspect allocation %q: %w", r.Node, err)
		}
		mn, err := node.NewBuilder(i.network, r.Node).Parent(r.Parent).Tags(r.Tags...).BuildManaged()
		if err != nil {
			return fmt.Errorf("restore allocation %q: %w", r.Node, err)
		}
		alloc := &Allocation{instance: i, node: mn, path: path, createdAt: r.CreatedAt}
		if err := mn.Attach(alloc); err != nil {
			return err
		}
		if err := mn.Attach(node.HostPointer{Host: i.network.LocalNode(), Cluster: i.cluster.name, Path: path}); err != nil {
			return err
		}
		if err := i.network.Register(mn); err != nil {
			i.log.Warn("skip restored allocation", "node", r.Node, "err", err)
			continue
		}
		i.allocations[r.Node] = alloc
	}
	if len(i.allocations) > 0 {
		i.log.Info("allocations restored", "count", len(i.allocations))
	}
	return nil
}

// Announce declares the instance to the network's coordinator, retrying with
// exponential backoff until ctx ends or the retry budget is spent.
func (i *Instance) Announce(ctx context.Context) error {
	c := i.cluster
	if c.declKey == nil {
		return fmt.Errorf("announce %q: no instantiation key configured: %w", i.network.Name(), errdefs.ErrFailedPrecondition)
	}
	var addr string
	if c.address != nil {
		addr = c.address(i.network.Name())
	}
	decl := Declaration{Cluster: c.name, Network: i.network.Name(), Address: addr}

	attempt := func() error {
		svc, err := service.Require(i.network.Services(), c.declKey)
		if err != nil {
			if errdefs.IsNotFound(err) || errors.Is(err, service.ErrUnsupportedKey) {
				return backoff.Permanent(err)
			}
			return err
		}
		return svc.DeclareClusterInstance(ctx, decl)
	}
	b := c.newBackoff()
	notify := func(err error, wait time.Duration) {
		i.log.Debug("announce retry", "err", err, "wait", wait)
	}
	if err := backoff.RetryNotify(attempt, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("announce %q: %w", i.network.Name(), err)
	}
	i.log.Info("instance announced", "address", addr)
	return nil
}
