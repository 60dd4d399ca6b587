package cluster

import (
	"context"
	"time"
)

// Clock stamps ledger records.
// Production: realClock
// Testing: *fake.Clock
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// InstanceRecord is the persisted state of one instance.
type InstanceRecord struct {
	Cluster   string
	Network   string
	Enabled   bool
	UpdatedAt time.Time
}

// AllocationRecord is the persisted form of one node allocation.
type AllocationRecord struct {
	Cluster   string    `json:"cluster"`
	Network   string    `json:"network"`
	Node      string    `json:"node"`
	Parent    string    `json:"parent,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger persists instance flags and allocations across restarts.
// Production: *sqlite.Store
// Testing: *fake.Ledger
type Ledger interface {
	SaveInstance(ctx context.Context, rec InstanceRecord) error
	GetInstance(ctx context.Context, cluster, network string) (InstanceRecord, bool, error)
	SaveAllocation(ctx context.Context, rec AllocationRecord) error
	DeleteAllocation(ctx context.Context, cluster, network, node string) error
	ListAllocations(ctx context.Context, cluster, network string) ([]AllocationRecord, error)
}

// Declaration announces an instance to its network's coordinator.
type Declaration struct {
	Cluster string `json:"cluster"`
	Network string `json:"network"`
	// Address is the communication key the coordinator reaches the instance by.
	Address string `json:"address"`
}

// Instantiation receives instance declarations.
// Production: transport proxy to the coordinator
// Testing: *fake.Instantiation
type Instantiation interface {
	DeclareClusterInstance(ctx context.Context, d Declaration) error
}

// Allocator is the allocation surface of one instance.
// Production: (*Instance).Allocator() locally, a transport proxy remotely
// Testing: (*Instance).Allocator()
type Allocator interface {
	CanAllocate(ctx context.Context, parent string, tags []string) (bool, error)
	Allocate(ctx context.Context, req Request) Result
	Destroy(ctx context.Context, name string) error
}
