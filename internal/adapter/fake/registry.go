package fake

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"nodefleet/internal/cluster"
	"nodefleet/internal/coordinator"
)

var _ coordinator.Registry = (*Registry)(nil)

// Registry is an in-memory coordinator.Registry.
type Registry struct {
	CallRecorder
	Faults

	mu    sync.Mutex
	decls map[string]cluster.Declaration
}

func NewRegistry() *Registry {
	return &Registry{decls: make(map[string]cluster.Declaration)}
}

func (r *Registry) SaveDeclaration(_ context.Context, d cluster.Declaration, at time.Time) error {
	r.record("SaveDeclaration", d, at)
	if err := r.fault("SaveDeclaration", d); err != nil {
		return err
	}
	r.mu.Lock()
	r.decls[instanceKey(d.Network, d.Cluster)] = d
	r.mu.Unlock()
	return nil
}

func (r *Registry) ListDeclarations(_ context.Context, network string) ([]cluster.Declaration, error) {
	r.record("ListDeclarations", network)
	if err := r.fault("ListDeclarations", network); err != nil {
		return nil, err
	}
	r.mu.Lock()
	var out []cluster.Declaration
	for _, d := range r.decls {
		if d.Network == network {
			out = append(out, d)
		}
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b cluster.Declaration) int { return strings.Compare(a.Cluster, b.Cluster) })
	return out, nil
}

func (r *Registry) DeleteDeclaration(_ context.Context, network, clusterName string) error {
	r.record("DeleteDeclaration", network, clusterName)
	r.mu.Lock()
	delete(r.decls, instanceKey(network, clusterName))
	r.mu.Unlock()
	return nil
}
