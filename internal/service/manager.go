// Package service resolves capabilities without the caller knowing whether
// they are registered locally, computed on demand, or served by a remote peer.
//
// Managers form a chain (node → network). Resolution qualifies the key for the
// entry manager's scope, then walks the chain: a stored instance wins, a
// dynamic key is produced at the first manager that lacks it, and remote keys
// fall back to an RPC proxy obtained from the Communication service once the
// chain is exhausted.
package service

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"nodefleet/internal/check"

	"github.com/containerd/errdefs"
	"google.golang.org/grpc"
)

var (
	// ErrUnsupportedKey is returned when a key cannot be qualified or produced
	// in the scope it was resolved from.
	ErrUnsupportedKey = errors.New("unsupported service key")
	// ErrRemoteRegistration is returned when registering a remote key.
	ErrRemoteRegistration = errors.New("remote services cannot be registered locally")
)

// Channel is a communication channel to a named remote.
type Channel interface {
	grpc.ClientConnInterface
	Remote() string
}

// Communication hands out proxies for remote identities. Implementations cache
// proxies per identity; the manager never does.
type Communication interface {
	Proxy(id Identity, build func(Channel) any) (any, error)
}

// CommunicationKey resolves the Communication used by remote keys.
var CommunicationKey = Local[Communication]("nodefleet.communication")

// Manager maps key identities to service instances and falls back to its
// parent on a miss.
type Manager struct {
	scope  Scope
	parent *Manager

	mu       sync.RWMutex
	services map[Identity]any
}

// NewManager returns an empty manager for scope chained to parent (may be nil).
func NewManager(scope Scope, parent *Manager) *Manager {
	return &Manager{
		scope:    scope,
		parent:   parent,
		services: make(map[Identity]any),
	}
}

func (m *Manager) Scope() Scope     { return m.scope }
func (m *Manager) Parent() *Manager { return m.parent }
func (m *Manager) String() string   { return scopeString(m.scope) }

// Identities returns the identities stored directly in m, sorted.
func (m *Manager) Identities() []Identity {
	m.mu.RLock()
	out := make([]Identity, 0, len(m.services))
	for id := range m.services {
		out = append(out, id)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Identity) int { return strings.Compare(a.String(), b.String()) })
	return out
}

// Unregister removes the instance stored under id. It reports whether one was
// present.
func (m *Manager) Unregister(id Identity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[id]; !ok {
		return false
	}
	delete(m.services, id)
	return true
}

func (m *Manager) lookup(id Identity) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[id]
	return svc, ok
}

// Register stores svc under key's local form and runs the key's register hook.
// Remote keys are rejected. If the hook fails the registration is undone.
func Register[T any](m *Manager, key Key[T], svc T) error {
	check.Assert(m != nil, "service.Register: manager must not be nil")
	if key.Kind() == KindRemote {
		return fmt.Errorf("register %s: %w", key.Identity(), ErrRemoteRegistration)
	}
	id := key.storage()
	if id.Capability == "" {
		return fmt.Errorf("register: capability is required: %w", errdefs.ErrInvalidArgument)
	}

	m.mu.Lock()
	prev, hadPrev := m.services[id]
	m.services[id] = svc
	m.mu.Unlock()

	hook, ok := key.(registerHook[T])
	if !ok {
		return nil
	}
	if err := hook.registered(m, svc); err != nil {
		m.mu.Lock()
		if hadPrev {
			m.services[id] = prev
		} else {
			delete(m.services, id)
		}
		m.mu.Unlock()
		return fmt.Errorf("register %s: %w", key.Identity(), err)
	}
	return nil
}

// Resolve finds the service for key starting at m. The bool is false when no
// manager in the chain holds it and the key cannot be produced; that is a
// normal outcome, not an error.
func Resolve[T any](m *Manager, key Key[T]) (T, bool, error) {
	var zero T
	check.Assert(m != nil, "service.Resolve: manager must not be nil")

	qualified, err := key.qualify(m.scope)
	if err != nil {
		return zero, false, fmt.Errorf("qualify %s in %s: %w", key.Identity(), m, err)
	}

	id := qualified.storage()
	kind := qualified.Kind()
	for cur := m; cur != nil; cur = cur.parent {
		if svc, ok := cur.lookup(id); ok {
			typed, ok := svc.(T)
			if !ok {
				return zero, false, fmt.Errorf("service %s in %s has type %T: %w", id, cur, svc, errdefs.ErrFailedPrecondition)
			}
			return typed, true, nil
		}
		if kind.dynamic() {
			svc, err := qualified.produce(cur)
			if err != nil {
				return zero, false, fmt.Errorf("produce %s in %s: %w", id, cur, err)
			}
			return svc, true, nil
		}
	}

	if kind.remote() {
		svc, err := qualified.produce(m)
		if err != nil {
			return zero, false, fmt.Errorf("produce %s in %s: %w", qualified.Identity(), m, err)
		}
		return svc, true, nil
	}
	return zero, false, nil
}

// Require is Resolve that reports absence as an errdefs.ErrNotFound error.
func Require[T any](m *Manager, key Key[T]) (T, error) {
	svc, ok, err := Resolve(m, key)
	if err != nil {
		return svc, err
	}
	if !ok {
		return svc, fmt.Errorf("service %s not found from %s: %w", key.Identity(), m, errdefs.ErrNotFound)
	}
	return svc, nil
}

func proxyFor[T any](m *Manager, id Identity, build func(Channel) T) (T, error) {
	var zero T
	if build == nil {
		return zero, fmt.Errorf("key %s has no proxy constructor: %w", id, ErrUnsupportedKey)
	}
	comm, err := Require(m, CommunicationKey)
	if err != nil {
		return zero, fmt.Errorf("communication for %s: %w", id, err)
	}
	p, err := comm.Proxy(id, func(ch Channel) any { return build(ch) })
	if err != nil {
		return zero, fmt.Errorf("proxy %s: %w", id, err)
	}
	typed, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("proxy for %s has type %T: %w", id, p, errdefs.ErrFailedPrecondition)
	}
	return typed, nil
}

func scopeString(s Scope) string {
	switch {
	case s.Network == "" && s.Node == "":
		return "root"
	case s.Node == "":
		return "network/" + s.Network
	default:
		return "node/" + s.Network + "/" + s.Node
	}
}
