package cluster

import (
	"context"

	"nodefleet/internal/node"
	"nodefleet/internal/packages"
)

// AllocationAdapter runs after a node's packages are attached.
type AllocationAdapter interface {
	node.Component
	AdaptAllocation(ctx context.Context, pm *packages.Manager, n *node.ManagedNode, path string) error
}

// CreationAdapter runs right after a node's directory is created.
type CreationAdapter interface {
	node.Component
	NodeCreated(ctx context.Context, n *node.ManagedNode, path string) error
}

// DestructionAdapter runs before a node's directory is removed.
type DestructionAdapter interface {
	node.Component
	NodeDestroying(ctx context.Context, n *node.ManagedNode, path string) error
}

// AllocationAdapterFunc adapts a function to AllocationAdapter.
type AllocationAdapterFunc func(ctx context.Context, pm *packages.Manager, n *node.ManagedNode, path string) error

func (AllocationAdapterFunc) ComponentKind() node.ComponentKind { return node.KindAllocationAdapter }

func (f AllocationAdapterFunc) AdaptAllocation(ctx context.Context, pm *packages.Manager, n *node.ManagedNode, path string) error {
	return f(ctx, pm, n, path)
}

// CreationAdapterFunc adapts a function to CreationAdapter.
type CreationAdapterFunc func(ctx context.Context, n *node.ManagedNode, path string) error

func (CreationAdapterFunc) ComponentKind() node.ComponentKind { return node.KindCreationAdapter }

func (f CreationAdapterFunc) NodeCreated(ctx context.Context, n *node.ManagedNode, path string) error {
	return f(ctx, n, path)
}

// DestructionAdapterFunc adapts a function to DestructionAdapter.
type DestructionAdapterFunc func(ctx context.Context, n *node.ManagedNode, path string) error

func (DestructionAdapterFunc) ComponentKind() node.ComponentKind { return node.KindDestructionAdapter }

func (f DestructionAdapterFunc) NodeDestroying(ctx context.Context, n *node.ManagedNode, path string) error {
	return f(ctx, n, path)
}
