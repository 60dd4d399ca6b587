package service

import (
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// Kind is the resolution strategy of a key.
type Kind uint8

const (
	KindLocal Kind = iota + 1
	KindDynamic
	KindRemote
	KindNetworkProvided
	KindNodeBound
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindDynamic:
		return "dynamic"
	case KindRemote:
		return "remote"
	case KindNetworkProvided:
		return "network_provided"
	case KindNodeBound:
		return "node_bound"
	default:
		return "unknown"
	}
}

// dynamic reports whether keys of this kind are computed on every resolution
// at the first manager that does not hold them.
func (k Kind) dynamic() bool {
	return k == KindDynamic || k == KindNodeBound
}

// remote reports whether keys of this kind fall back to an RPC proxy once the
// manager chain is exhausted.
func (k Kind) remote() bool {
	return k == KindRemote || k == KindNetworkProvided
}

// Identity is the comparable identity of a key. Two keys for the same
// capability collide regardless of how they were constructed; remote keys are
// further distinguished by the remote they are bound to.
type Identity struct {
	Capability string
	Remote     string
}

func (id Identity) String() string {
	if id.Remote == "" {
		return id.Capability
	}
	return id.Capability + "@" + id.Remote
}

// Scope describes where a manager sits: the network it serves and, for
// node-level managers, the node it belongs to.
type Scope struct {
	Network string
	Node    string
}

// Key identifies a service of type T and how to resolve it. The set of key
// implementations is closed: LocalKey, DynamicKey, RemoteKey, ProvidedKey and
// NodeBoundKey.
type Key[T any] interface {
	Identity() Identity
	Kind() Kind

	// storage is the identity used for the local map.
	storage() Identity
	// qualify rewrites the key for the scope it is resolved from.
	qualify(Scope) (Key[T], error)
	// produce computes the service for dynamic and remote kinds.
	produce(*Manager) (T, error)
}

// registerHook is implemented by keys with a side effect on registration.
type registerHook[T any] interface {
	registered(*Manager, T) error
}

// LocalKey is a key whose service is registered directly in a manager.
type LocalKey[T any] struct {
	capability string
	onRegister func(*Manager, T) error
}

// Local returns a key for a locally registered capability.
func Local[T any](capability string) LocalKey[T] {
	return LocalKey[T]{capability: strings.TrimSpace(capability)}
}

// OnRegister returns a copy of k that runs fn after the service is stored.
func (k LocalKey[T]) OnRegister(fn func(*Manager, T) error) LocalKey[T] {
	k.onRegister = fn
	return k
}

func (k LocalKey[T]) Identity() Identity            { return Identity{Capability: k.capability} }
func (k LocalKey[T]) Kind() Kind                    { return KindLocal }
func (k LocalKey[T]) storage() Identity             { return k.Identity() }
func (k LocalKey[T]) qualify(Scope) (Key[T], error) { return k, nil }
func (k LocalKey[T]) produce(*Manager) (T, error) {
	var zero T
	return zero, errNotProduced(k)
}
func (k LocalKey[T]) registered(m *Manager, svc T) error {
	if k.onRegister == nil {
		return nil
	}
	return k.onRegister(m, svc)
}

// DynamicKey computes its service from a factory on every resolution. Results
// are never cached.
type DynamicKey[T any] struct {
	capability string
	factory    func(*Manager) (T, error)
}

// Dynamic returns a key computed by factory each time it is resolved.
func Dynamic[T any](capability string, factory func(*Manager) (T, error)) DynamicKey[T] {
	return DynamicKey[T]{capability: strings.TrimSpace(capability), factory: factory}
}

func (k DynamicKey[T]) Identity() Identity            { return Identity{Capability: k.capability} }
func (k DynamicKey[T]) Kind() Kind                    { return KindDynamic }
func (k DynamicKey[T]) storage() Identity             { return k.Identity() }
func (k DynamicKey[T]) qualify(Scope) (Key[T], error) { return k, nil }
func (k DynamicKey[T]) produce(m *Manager) (T, error) {
	if k.factory == nil {
		var zero T
		return zero, errNotProduced(k)
	}
	return k.factory(m)
}

// RemoteKey resolves to an RPC proxy bound to a named remote. Remote keys can
// never be registered locally.
type RemoteKey[T any] struct {
	capability string
	remote     string
	proxy      func(Channel) T
}

// Remote returns a key resolving capability through remote, building the
// proxy with proxy the first time the channel is used.
func Remote[T any](capability, remote string, proxy func(Channel) T) RemoteKey[T] {
	return RemoteKey[T]{capability: strings.TrimSpace(capability), remote: strings.TrimSpace(remote), proxy: proxy}
}

// On returns a copy of k bound to a different remote.
func (k RemoteKey[T]) On(remote string) RemoteKey[T] {
	k.remote = strings.TrimSpace(remote)
	return k
}

func (k RemoteKey[T]) Identity() Identity { return Identity{Capability: k.capability, Remote: k.remote} }
func (k RemoteKey[T]) Kind() Kind         { return KindRemote }
func (k RemoteKey[T]) storage() Identity  { return k.Identity() }
func (k RemoteKey[T]) qualify(Scope) (Key[T], error) {
	if k.remote == "" {
		return nil, fmt.Errorf("remote key %q has no remote: %w", k.capability, ErrUnsupportedKey)
	}
	return k, nil
}
func (k RemoteKey[T]) produce(m *Manager) (T, error) { return proxyFor(m, k.Identity(), k.proxy) }

// ProvidedKey is a capability served by a fixed provider on the network. It is
// stored under its local form, so a provider registering its own
// implementation resolves without RPC; everyone else gets a proxy.
type ProvidedKey[T any] struct {
	capability string
	provider   string
	proxy      func(Channel) T
}

// NetworkProvided returns a key for capability served by provider.
func NetworkProvided[T any](capability, provider string, proxy func(Channel) T) ProvidedKey[T] {
	return ProvidedKey[T]{capability: strings.TrimSpace(capability), provider: strings.TrimSpace(provider), proxy: proxy}
}

// LocalForm is the plain local key this key is stored under.
func (k ProvidedKey[T]) LocalForm() LocalKey[T] { return Local[T](k.capability) }

func (k ProvidedKey[T]) Identity() Identity            { return Identity{Capability: k.capability, Remote: k.provider} }
func (k ProvidedKey[T]) Kind() Kind                    { return KindNetworkProvided }
func (k ProvidedKey[T]) storage() Identity             { return Identity{Capability: k.capability} }
func (k ProvidedKey[T]) qualify(Scope) (Key[T], error) { return k, nil }
func (k ProvidedKey[T]) produce(m *Manager) (T, error) {
	if k.provider == "" {
		var zero T
		return zero, fmt.Errorf("provided key %q has no provider: %w", k.capability, errdefs.ErrNotFound)
	}
	return proxyFor(m, k.Identity(), k.proxy)
}

// NodeBoundKey derives a service from another service plus a node name. The
// node name is supplied with ForNode or bound from the resolving manager's
// scope during qualification. It is dynamic: every resolution re-derives.
type NodeBoundKey[S, T any] struct {
	capability string
	source     Key[S]
	node       string
	derive     func(S, string) (T, error)
}

// NodeBound returns a key deriving T from the service behind source.
func NodeBound[S, T any](capability string, source Key[S], derive func(S, string) (T, error)) NodeBoundKey[S, T] {
	return NodeBoundKey[S, T]{capability: strings.TrimSpace(capability), source: source, derive: derive}
}

// ForNode returns a copy of k bound to node.
func (k NodeBoundKey[S, T]) ForNode(node string) NodeBoundKey[S, T] {
	k.node = strings.TrimSpace(node)
	return k
}

// Node returns the bound node name, empty when unbound.
func (k NodeBoundKey[S, T]) Node() string { return k.node }

func (k NodeBoundKey[S, T]) Identity() Identity { return Identity{Capability: k.capability} }
func (k NodeBoundKey[S, T]) Kind() Kind         { return KindNodeBound }
func (k NodeBoundKey[S, T]) storage() Identity  { return k.Identity() }
func (k NodeBoundKey[S, T]) qualify(s Scope) (Key[T], error) {
	if k.source == nil || k.derive == nil {
		return nil, fmt.Errorf("node-bound key %q is incomplete: %w", k.capability, ErrUnsupportedKey)
	}
	if k.node == "" {
		if s.Node == "" {
			return nil, fmt.Errorf("node-bound key %q resolved outside a node scope: %w", k.capability, ErrUnsupportedKey)
		}
		k.node = s.Node
	}
	return k, nil
}
func (k NodeBoundKey[S, T]) produce(m *Manager) (T, error) {
	var zero T
	src, err := Require(m, k.source)
	if err != nil {
		return zero, fmt.Errorf("resolve source of %q: %w", k.capability, err)
	}
	return k.derive(src, k.node)
}

func errNotProduced(k interface{ Identity() Identity }) error {
	return fmt.Errorf("key %s cannot be produced: %w", k.Identity(), ErrUnsupportedKey)
}
