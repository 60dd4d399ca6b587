package node

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
)

// ComponentKind is the closed set of component variants a node may carry.
type ComponentKind uint8

const (
	KindShared ComponentKind = iota + 1
	KindAttachment
	KindAllocationAdapter
	KindCreationAdapter
	KindDestructionAdapter
	KindHostPointer
	KindAllocation
	KindRedirect
)

func (k ComponentKind) String() string {
	switch k {
	case KindShared:
		return "shared"
	case KindAttachment:
		return "attachment"
	case KindAllocationAdapter:
		return "allocation_adapter"
	case KindCreationAdapter:
		return "creation_adapter"
	case KindDestructionAdapter:
		return "destruction_adapter"
	case KindHostPointer:
		return "host_pointer"
	case KindAllocation:
		return "allocation"
	case KindRedirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Component is a capability marker attached to a managed node.
type Component interface {
	ComponentKind() ComponentKind
}

// AttachHook is implemented by components that react to being attached. It
// runs before the component is appended and may attach further components.
// Returning false suppresses the component's own attachment.
type AttachHook interface {
	Attached(n *ManagedNode) (bool, error)
}

// Shared is a component that can be replicated across the network. Its JSON
// form is carried inside an Envelope tagged with ComponentType.
type Shared interface {
	Component
	ComponentType() string
}

// HostPointer records which host node and directory a node lives on.
type HostPointer struct {
	Host    string `json:"host"`
	Cluster string `json:"cluster,omitempty"`
	Path    string `json:"path,omitempty"`
}

func (HostPointer) ComponentKind() ComponentKind { return KindHostPointer }
func (HostPointer) ComponentType() string        { return "host" }

// Redirect is a synthetic component that attaches Targets in its place.
type Redirect struct {
	Targets []Component
}

func (*Redirect) ComponentKind() ComponentKind { return KindRedirect }

func (r *Redirect) Attached(n *ManagedNode) (bool, error) {
	for _, c := range r.Targets {
		if err := n.Attach(c); err != nil {
			return false, err
		}
	}
	return false, nil
}

// Envelope is the wire form of a shared component.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeFunc decodes the data of an envelope into a shared component.
type DecodeFunc func(data json.RawMessage) (Shared, error)

// Codec encodes and decodes shared components by their registered type.
type Codec struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// NewCodec returns a codec that already knows HostPointer.
func NewCodec() *Codec {
	c := &Codec{decoders: make(map[string]DecodeFunc)}
	_ = c.Register(HostPointer{}.ComponentType(), func(data json.RawMessage) (Shared, error) {
		var hp HostPointer
		if err := json.Unmarshal(data, &hp); err != nil {
			return nil, err
		}
		return hp, nil
	})
	return c
}

// Register binds typ to dec. Registering a type twice is an error.
func (c *Codec) Register(typ string, dec DecodeFunc) error {
	typ = strings.TrimSpace(typ)
	if typ == "" || dec == nil {
		return fmt.Errorf("register component decoder: type and decoder are required: %w", errdefs.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.decoders[typ]; ok {
		return fmt.Errorf("register component decoder %q: %w", typ, errdefs.ErrAlreadyExists)
	}
	c.decoders[typ] = dec
	return nil
}

// Types lists registered component types, sorted.
func (c *Codec) Types() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.decoders))
	for typ := range c.decoders {
		out = append(out, typ)
	}
	c.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Encode wraps s in an envelope.
func (c *Codec) Encode(s Shared) (Envelope, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode component %q: %w", s.ComponentType(), err)
	}
	return Envelope{Type: s.ComponentType(), Data: data}, nil
}

// EncodeAll encodes every component in order.
func (c *Codec) EncodeAll(in []Shared) ([]Envelope, error) {
	out := make([]Envelope, 0, len(in))
	for _, s := range in {
		env, err := c.Encode(s)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// Decode unwraps env with the decoder registered for its type.
func (c *Codec) Decode(env Envelope) (Shared, error) {
	c.mu.RLock()
	dec, ok := c.decoders[env.Type]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("decode component: unknown type %q: %w", env.Type, errdefs.ErrInvalidArgument)
	}
	s, err := dec(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode component %q: %w", env.Type, err)
	}
	return s, nil
}

// DecodeAll decodes every envelope in order.
func (c *Codec) DecodeAll(in []Envelope) ([]Shared, error) {
	out := make([]Shared, 0, len(in))
	for _, env := range in {
		s, err := c.Decode(env)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
