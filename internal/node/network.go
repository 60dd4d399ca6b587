package node

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"nodefleet/internal/service"

	"github.com/containerd/errdefs"
)

// Network is the scope node names are unique in. It owns the network-level
// service manager that node managers chain to.
type Network struct {
	name      string
	localNode string
	services  *service.Manager

	mu    sync.RWMutex
	nodes map[string]Ref
}

// NewNetwork creates a network whose local process runs as localNode. parent
// may be nil or a process-wide root manager.
func NewNetwork(name, localNode string, parent *service.Manager) *Network {
	name = strings.TrimSpace(name)
	return &Network{
		name:      name,
		localNode: strings.TrimSpace(localNode),
		services:  service.NewManager(service.Scope{Network: name}, parent),
		nodes:     make(map[string]Ref),
	}
}

func (n *Network) Name() string               { return n.name }
func (n *Network) LocalNode() string          { return n.localNode }
func (n *Network) Services() *service.Manager { return n.services }

// Register adds ref to the network. Names must be unique.
func (n *Network) Register(ref Ref) error {
	nd := ref.Node()
	if nd.network != n {
		return fmt.Errorf("register node %q: belongs to another network: %w", nd.name, errdefs.ErrInvalidArgument)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.nodes[nd.name]; ok {
		return fmt.Errorf("register node %q in %q: %w", nd.name, n.name, errdefs.ErrAlreadyExists)
	}
	n.nodes[nd.name] = ref
	return nil
}

// Deregister removes the node named name. It reports whether it was present.
func (n *Network) Deregister(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.nodes[name]; !ok {
		return false
	}
	delete(n.nodes, name)
	return true
}

// Lookup returns the registered node named name.
func (n *Network) Lookup(name string) (Ref, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ref, ok := n.nodes[name]
	return ref, ok
}

// Names lists registered node names, sorted.
func (n *Network) Names() []string {
	n.mu.RLock()
	out := make([]string, 0, len(n.nodes))
	for name := range n.nodes {
		out = append(out, name)
	}
	n.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Info serves node metadata from the network's own registry.
func (n *Network) Info() InfoService { return registryInfo{network: n} }

type registryInfo struct {
	network *Network
}

func (r registryInfo) FetchNodeInfo(_ context.Context, name string) (Info, error) {
	ref, ok := r.network.Lookup(name)
	if !ok {
		return Info{}, fmt.Errorf("node %q in %q: %w", name, r.network.name, errdefs.ErrNotFound)
	}
	return ref.Node().Info(), nil
}

func (r registryInfo) FetchNodeNames(context.Context) ([]string, error) {
	return r.network.Names(), nil
}
