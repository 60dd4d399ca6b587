// Package node models the addressable entities of a network: plain nodes
// known by name and tags, and managed nodes whose components this process
// controls.
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

// Tags is an immutable, sorted, duplicate-free set of capability labels.
type Tags struct {
	values []string
}

// NewTags builds a tag set, dropping blanks and duplicates.
func NewTags(tags ...string) Tags {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return Tags{values: slices.Compact(out)}
}

func (t Tags) Has(tag string) bool {
	_, ok := slices.BinarySearch(t.values, tag)
	return ok
}

// HasAll reports whether every tag in required is present.
func (t Tags) HasAll(required ...string) bool {
	for _, r := range required {
		if !t.Has(r) {
			return false
		}
	}
	return true
}

func (t Tags) Len() int { return len(t.values) }

// Strings returns a copy of the tags.
func (t Tags) Strings() []string { return slices.Clone(t.values) }

func (t Tags) String() string { return strings.Join(t.values, ",") }

// Info is the network-wide metadata of a node.
type Info struct {
	Name   string   `json:"name"`
	Parent string   `json:"parent,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// InfoService fetches node metadata known to the network.
type InfoService interface {
	FetchNodeInfo(ctx context.Context, name string) (Info, error)
	FetchNodeNames(ctx context.Context) ([]string, error)
}

// Ref is anything that resolves to a Node: *Node and *ManagedNode.
type Ref interface {
	Node() *Node
}

// Node is a named member of a network. It is immutable after construction.
type Node struct {
	name     string
	parent   string
	network  *Network
	tags     Tags
	services *service.Manager
}

func (n *Node) Node() *Node                { return n }
func (n *Node) Name() string               { return n.name }
func (n *Node) ParentName() string         { return n.parent }
func (n *Node) Network() *Network          { return n.network }
func (n *Node) Tags() Tags                 { return n.tags }
func (n *Node) Services() *service.Manager { return n.services }

// Parent looks the parent up in the node's network. The reference is weak:
// a parent that has left the network is simply not found.
func (n *Node) Parent() (Ref, bool) {
	if n.parent == "" || n.network == nil {
		return nil, false
	}
	return n.network.Lookup(n.parent)
}

// IsLocal reports whether n is the node of the running process.
func (n *Node) IsLocal() bool {
	return n.network != nil && n.network.LocalNode() == n.name
}

func (n *Node) Info() Info {
	return Info{Name: n.name, Parent: n.parent, Tags: n.tags.Strings()}
}

// ManagedNode is a node whose components this process owns. Components are
// only ever appended.
type ManagedNode struct {
	node *Node

	mu         sync.Mutex
	components []Component
}

func (m *ManagedNode) Node() *Node                { return m.node }
func (m *ManagedNode) Name() string               { return m.node.name }
func (m *ManagedNode) ParentName() string         { return m.node.parent }
func (m *ManagedNode) Network() *Network          { return m.node.network }
func (m *ManagedNode) Tags() Tags                 { return m.node.tags }
func (m *ManagedNode) Services() *service.Manager { return m.node.services }
func (m *ManagedNode) Parent() (Ref, bool)        { return m.node.Parent() }
func (m *ManagedNode) IsLocal() bool              { return m.node.IsLocal() }
func (m *ManagedNode) Info() Info                 { return m.node.Info() }

// Attach runs c's AttachHook, if any, and then appends c unless the hook
// suppressed it. Hooks may attach further components.
func (m *ManagedNode) Attach(c Component) error {
	if c == nil {
		return fmt.Errorf("attach to %q: component is nil: %w", m.node.name, errdefs.ErrInvalidArgument)
	}
	if hook, ok := c.(AttachHook); ok {
		keep, err := hook.Attached(m)
		if err != nil {
			return fmt.Errorf("attach %s to %q: %w", c.ComponentKind(), m.node.name, err)
		}
		if !keep {
			return nil
		}
	}
	m.mu.Lock()
	m.components = append(m.components, c)
	m.mu.Unlock()
	return nil
}

// Components returns a snapshot of the attached components in order.
func (m *ManagedNode) Components() []Component {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.components)
}

// ComponentsOf returns the attached components implementing C, in order.
func ComponentsOf[C any](m *ManagedNode) []C {
	var out []C
	for _, c := range m.Components() {
		if typed, ok := c.(C); ok {
			out = append(out, typed)
		}
	}
	return out
}

// Builder assembles a Node or ManagedNode.
type Builder struct {
	network    *Network
	name       string
	parent     string
	tags       []string
	components []Component
}

// NewBuilder starts a node named name in network.
func NewBuilder(network *Network, name string) *Builder {
	return &Builder{network: network, name: strings.TrimSpace(name)}
}

func (b *Builder) Parent(name string) *Builder {
	b.parent = strings.TrimSpace(name)
	return b
}

func (b *Builder) Tags(tags ...string) *Builder {
	b.tags = append(b.tags, tags...)
	return b
}

func (b *Builder) Components(cs ...Component) *Builder {
	b.components = append(b.components, cs...)
	return b
}

// Build returns an unmanaged node. Components are ignored.
func (b *Builder) Build() (*Node, error) {
	if b.network == nil {
		return nil, fmt.Errorf("build node %q: network is required: %w", b.name, errdefs.ErrInvalidArgument)
	}
	if err := ValidateName(b.name); err != nil {
		return nil, err
	}
	return &Node{
		name:    b.name,
		parent:  b.parent,
		network: b.network,
		tags:    NewTags(b.tags...),
		services: service.NewManager(
			service.Scope{Network: b.network.Name(), Node: b.name},
			b.network.Services(),
		),
	}, nil
}

// BuildManaged returns a managed node with the builder's components attached
// in order.
func (b *Builder) BuildManaged() (*ManagedNode, error) {
	n, err := b.Build()
	if err != nil {
		return nil, err
	}
	m := &ManagedNode{node: n}
	for _, c := range b.components {
		if err := m.Attach(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// FromInfo builds a transient unmanaged node from network metadata.
func FromInfo(network *Network, info Info) (*Node, error) {
	return NewBuilder(network, info.Name).Parent(info.Parent).Tags(info.Tags...).Build()
}

// ValidateName rejects names that cannot be used as a directory name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("node name is required: %w", errdefs.ErrInvalidArgument)
	case name == "." || name == "..":
		return fmt.Errorf("node name %q is reserved: %w", name, errdefs.ErrInvalidArgument)
	case strings.ContainsAny(name, `/\`+"\x00"):
		return fmt.Errorf("node name %q must not contain path separators: %w", name, errdefs.ErrInvalidArgument)
	}
	return nil
}
