package fake

import (
	"context"
	"slices"
	"strings"
	"sync"

	"nodefleet/internal/cluster"
)

var _ cluster.Ledger = (*Ledger)(nil)

// Ledger is an in-memory cluster.Ledger.
type Ledger struct {
	CallRecorder
	Faults

	mu          sync.Mutex
	instances   map[string]cluster.InstanceRecord
	allocations map[string]cluster.AllocationRecord
}

func NewLedger() *Ledger {
	return &Ledger{
		instances:   make(map[string]cluster.InstanceRecord),
		allocations: make(map[string]cluster.AllocationRecord),
	}
}

func instanceKey(clusterName, network string) string { return clusterName + "\x00" + network }

func allocationKey(clusterName, network, node string) string {
	return clusterName + "\x00" + network + "\x00" + node
}

func (l *Ledger) SaveInstance(_ context.Context, rec cluster.InstanceRecord) error {
	l.record("SaveInstance", rec)
	if err := l.fault("SaveInstance", rec); err != nil {
		return err
	}
	l.mu.Lock()
	l.instances[instanceKey(rec.Cluster, rec.Network)] = rec
	l.mu.Unlock()
	return nil
}

func (l *Ledger) GetInstance(_ context.Context, clusterName, network string) (cluster.InstanceRecord, bool, error) {
	l.record("GetInstance", clusterName, network)
	if err := l.fault("GetInstance", clusterName, network); err != nil {
		return cluster.InstanceRecord{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.instances[instanceKey(clusterName, network)]
	return rec, ok, nil
}

func (l *Ledger) SaveAllocation(_ context.Context, rec cluster.AllocationRecord) error {
	l.record("SaveAllocation", rec)
	if err := l.fault("SaveAllocation", rec); err != nil {
		return err
	}
	rec.Tags = slices.Clone(rec.Tags)
	l.mu.Lock()
	l.allocations[allocationKey(rec.Cluster, rec.Network, rec.Node)] = rec
	l.mu.Unlock()
	return nil
}

func (l *Ledger) DeleteAllocation(_ context.Context, clusterName, network, node string) error {
	l.record("DeleteAllocation", clusterName, network, node)
	if err := l.fault("DeleteAllocation", clusterName, network, node); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.allocations, allocationKey(clusterName, network, node))
	l.mu.Unlock()
	return nil
}

func (l *Ledger) ListAllocations(_ context.Context, clusterName, network string) ([]cluster.AllocationRecord, error) {
	l.record("ListAllocations", clusterName, network)
	if err := l.fault("ListAllocations", clusterName, network); err != nil {
		return nil, err
	}
	l.mu.Lock()
	out := make([]cluster.AllocationRecord, 0, len(l.allocations))
	for _, rec := range l.allocations {
		if rec.Cluster == clusterName && rec.Network == network {
			out = append(out, rec)
		}
	}
	l.mu.Unlock()
	slices.SortFunc(out, func(a, b cluster.AllocationRecord) int { return strings.Compare(a.Node, b.Node) })
	return out, nil
}
