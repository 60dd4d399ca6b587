package cluster

import (
	"fmt"

	"nodefleet/internal/node"
)

// Request asks an instance to allocate a node.
type Request struct {
	ParentNode string
	Node       string
	Tags       []string
	Components []node.Component
}

// Result is the outcome of an allocation. Exactly one of the success fields
// or Err is meaningful.
type Result struct {
	Node string
	// Components are registered back on the requester's copy of the node.
	Components []node.Shared
	Err        error
}

func Successful(name string, components []node.Shared) Result {
	return Result{Node: name, Components: components}
}

func Failed(err error) Result {
	return Result{Err: err}
}

func (r Result) OK() bool { return r.Err == nil }

// AllocationError describes a failed allocation. No partial node is left
// registered or on disk.
type AllocationError struct {
	Cluster string
	Network string
	Node    string
	Step    string
	Err     error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocate %s/%s on %s (%s): %v", e.Network, e.Node, e.Cluster, e.Step, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// DestroyError is returned when a node's directory could not be removed. The
// allocation stays listed and the node stays registered.
type DestroyError struct {
	Node string
	Path string
	Err  error
}

func (e *DestroyError) Error() string {
	return fmt.Sprintf("destroy %s: remove %s: %v", e.Node, e.Path, e.Err)
}

func (e *DestroyError) Unwrap() error { return e.Err }
