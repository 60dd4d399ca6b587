package service

import (
	"fmt"
	"slices"
	"sync"

	"github.com/containerd/errdefs"
)

// Catalog maps capability names to the key used to reach them. It is filled
// once at startup so components can look keys up by name without knowing
// their concrete construction.
type Catalog struct {
	mu   sync.RWMutex
	keys map[string]catalogEntry
}

type catalogEntry struct {
	key  any
	kind Kind
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{keys: make(map[string]catalogEntry)}
}

// Bind records key under its capability name. Binding a capability twice is
// an error.
func Bind[T any](c *Catalog, key Key[T]) error {
	capability := key.Identity().Capability
	if capability == "" {
		return fmt.Errorf("bind key: capability is required: %w", errdefs.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.keys[capability]; ok {
		return fmt.Errorf("bind key %q: %w", capability, errdefs.ErrAlreadyExists)
	}
	c.keys[capability] = catalogEntry{key: key, kind: key.Kind()}
	return nil
}

// Lookup returns the key bound to capability as K, the concrete key type the
// caller expects (for example RemoteKey[Allocator]).
func Lookup[K any](c *Catalog, capability string) (K, bool) {
	var zero K
	c.mu.RLock()
	e, ok := c.keys[capability]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	k, ok := e.key.(K)
	if !ok {
		return zero, false
	}
	return k, true
}

// Kind returns the resolution kind bound to capability.
func (c *Catalog) Kind(capability string) (Kind, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.keys[capability]
	return e.kind, ok
}

// Capabilities lists bound capability names, sorted.
func (c *Catalog) Capabilities() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.keys))
	for name := range c.keys {
		out = append(out, name)
	}
	c.mu.RUnlock()
	slices.Sort(out)
	return out
}
