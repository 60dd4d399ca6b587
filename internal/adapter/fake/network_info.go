package fake

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"nodefleet/internal/node"

	"github.com/containerd/errdefs"
)

var _ node.InfoService = (*NetworkInfo)(nil)

// NetworkInfo serves node metadata from a fixed table.
type NetworkInfo struct {
	CallRecorder
	Faults

	mu    sync.Mutex
	nodes map[string]node.Info
}

func NewNetworkInfo(infos ...node.Info) *NetworkInfo {
	n := &NetworkInfo{nodes: make(map[string]node.Info)}
	for _, info := range infos {
		n.nodes[info.Name] = info
	}
	return n
}

// Set adds or replaces a node's metadata.
func (n *NetworkInfo) Set(info node.Info) {
	n.mu.Lock()
	n.nodes[info.Name] = info
	n.mu.Unlock()
}

func (n *NetworkInfo) FetchNodeInfo(_ context.Context, name string) (node.Info, error) {
	n.record("FetchNodeInfo", name)
	if err := n.fault("FetchNodeInfo", name); err != nil {
		return node.Info{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	info, ok := n.nodes[name]
	if !ok {
		return node.Info{}, fmt.Errorf("node %q: %w", name, errdefs.ErrNotFound)
	}
	return info, nil
}

func (n *NetworkInfo) FetchNodeNames(context.Context) ([]string, error) {
	n.record("FetchNodeNames")
	if err := n.fault("FetchNodeNames"); err != nil {
		return nil, err
	}
	n.mu.Lock()
	out := make([]string, 0, len(n.nodes))
	for name := range n.nodes {
		out = append(out, name)
	}
	n.mu.Unlock()
	slices.Sort(out)
	return out, nil
}
