// Package attach applies packages to nodes.
//
// An Attachment binds a source package to an install Step and a target (the
// node itself or its host). Attachments may depend on other attachments; the
// Pipeline installs each exactly once, after its dependencies have finished.
package attach

import (
	"context"
	"fmt"

	"nodefleet/internal/node"
	"nodefleet/internal/packages"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

// ComponentType is the envelope type of attachments on the wire.
const ComponentType = "attachment"

// ID is the identity token of an attachment. Two attachments with the same ID
// are the same unit of work.
type ID string

// NewID returns a fresh identity token.
func NewID() ID { return ID(uuid.NewString()) }

// Target selects where an attachment installs.
type Target uint8

const (
	TargetNode Target = iota
	TargetHost
)

func (t Target) String() string {
	switch t {
	case TargetNode:
		return "node"
	case TargetHost:
		return "host"
	default:
		return "unknown"
	}
}

// Destination is where a step installs: the executing node and its directory.
type Destination struct {
	Node *node.Node
	Path string
}

// Step is the install behavior of an attachment.
type Step interface {
	Install(ctx context.Context, pkg *packages.Local, dst Destination) error
	variant() string
}

// Attachment is a unit of installation work attached to a managed node.
type Attachment struct {
	id     ID
	source packages.Key
	step   Step
	deps   []*Attachment
	target Target
}

type Option func(*Attachment)

// DependsOn declares attachments that must be installed first.
func DependsOn(deps ...*Attachment) Option {
	return func(a *Attachment) { a.deps = append(a.deps, deps...) }
}

// OnHost installs into the host's directory instead of the node's.
func OnHost() Option {
	return func(a *Attachment) { a.target = TargetHost }
}

// WithID sets the identity token instead of generating one.
func WithID(id ID) Option {
	return func(a *Attachment) { a.id = id }
}

// New builds an attachment installing source with step.
func New(source packages.Key, step Step, opts ...Option) (*Attachment, error) {
	if source == nil || step == nil {
		return nil, fmt.Errorf("new attachment: source and step are required: %w", errdefs.ErrInvalidArgument)
	}
	if err := packages.Validate(source); err != nil {
		return nil, fmt.Errorf("new attachment: %w", err)
	}
	a := &Attachment{source: source, step: step}
	for _, opt := range opts {
		opt(a)
	}
	if a.id == "" {
		a.id = NewID()
	}
	for _, d := range a.deps {
		if d == nil {
			return nil, fmt.Errorf("new attachment %s: nil dependency: %w", a.id, errdefs.ErrInvalidArgument)
		}
	}
	if dependsOnID(a.deps, a.id, make(map[*Attachment]struct{})) {
		return nil, fmt.Errorf("new attachment %s: a dependency reuses its id: %w", a.id, errdefs.ErrInvalidArgument)
	}
	return a, nil
}

// dependsOnID reports whether id appears anywhere in the closure of deps.
// Attachments are immutable, so an ID cycle can only show up this way.
func dependsOnID(deps []*Attachment, id ID, visited map[*Attachment]struct{}) bool {
	for _, d := range deps {
		if _, ok := visited[d]; ok {
			continue
		}
		visited[d] = struct{}{}
		if d.id == id || dependsOnID(d.deps, id, visited) {
			return true
		}
	}
	return false
}

// Must is New for statically known attachments.
func Must(a *Attachment, err error) *Attachment {
	if err != nil {
		panic(err)
	}
	return a
}

func (a *Attachment) ID() ID                          { return a.id }
func (a *Attachment) Source() packages.Key            { return a.source }
func (a *Attachment) Step() Step                      { return a.step }
func (a *Attachment) Target() Target                  { return a.target }
func (a *Attachment) Dependencies() []*Attachment     { return append([]*Attachment(nil), a.deps...) }
func (*Attachment) ComponentKind() node.ComponentKind { return node.KindAttachment }
func (*Attachment) ComponentType() string             { return ComponentType }

func (a *Attachment) String() string {
	return fmt.Sprintf("%s(%s %s -> %s)", a.step.variant(), a.id, a.source.Identifier(), a.target)
}
