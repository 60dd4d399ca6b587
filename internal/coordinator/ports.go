package coordinator

import (
	"context"
	"time"

	"nodefleet/internal/cluster"
	"nodefleet/internal/service"
)

// Registry persists the clusters declared to a coordinator.
// Production: *sqlite.Store
// Testing: *fake.Registry
type Registry interface {
	SaveDeclaration(ctx context.Context, d cluster.Declaration, at time.Time) error
	ListDeclarations(ctx context.Context, network string) ([]cluster.Declaration, error)
	DeleteDeclaration(ctx context.Context, network, cluster string) error
}

// AllocatorKey returns the key that reaches the allocator of the instance
// declared at address.
// Production: transport.AllocatorKey(codec).On(address)
// Testing: a local key registered with an in-process instance
type AllocatorKey func(address string) service.Key[cluster.Allocator]
