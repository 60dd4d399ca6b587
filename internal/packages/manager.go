// Package packages resolves package keys to installable artifacts and keeps
// one on-disk copy of each under a package root.
//
// Every package lives in <root>/<identifier>/. Resolutions and installed
// packages are cached in memory; installation of a given key is serialized so
// concurrent requests share a single install.
package packages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"nodefleet/internal/check"
	"nodefleet/internal/service"

	"github.com/containerd/errdefs"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"
)

// Provider resolves keys of one kind.
type Provider interface {
	Resolve(ctx context.Context, m *Manager, key Key) (Resolved, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, m *Manager, key Key) (Resolved, error)

func (f ProviderFunc) Resolve(ctx context.Context, m *Manager, key Key) (Resolved, error) {
	return f(ctx, m, key)
}

// DownloadService materializes provided packages into a directory.
type DownloadService interface {
	DownloadPackage(ctx context.Context, m *Manager, key Key, target string) error
}

// DefaultDownloadKey is used when no download key is configured.
var DefaultDownloadKey service.Key[DownloadService] = service.Local[DownloadService]("nodefleet.packages.download")

// ResolveError is returned when a key cannot be resolved.
type ResolveError struct {
	Key Key
	Err error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve package %s: %v", e.Key.Identifier(), e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Manager resolves, caches and installs packages under root.
type Manager struct {
	root        string
	services    *service.Manager
	downloadKey service.Key[DownloadService]
	javaRoots   []string
	dirRoots    []string
	dirLimit    bool
	client      *http.Client
	providers   map[string]Provider

	mu       sync.RWMutex
	resolved map[string]Resolved
	locals   map[string]*Local

	resolving singleflight.Group
	installs  singleflight.Group
}

type Option func(*Manager)

// WithServices sets the manager used to reach the download service.
func WithServices(m *service.Manager) Option {
	return func(pm *Manager) { pm.services = m }
}

// WithDownloadKey overrides the key the download service is resolved with.
func WithDownloadKey(k service.Key[DownloadService]) Option {
	return func(pm *Manager) { pm.downloadKey = k }
}

// WithJavaRoots sets the directories scanned for Java installations.
func WithJavaRoots(roots ...string) Option {
	return func(pm *Manager) { pm.javaRoots = append([]string(nil), roots...) }
}

// WithDirectoryRoots confines directory keys to paths under roots. With no
// roots every directory key is refused. Without this option any directory is
// accepted.
func WithDirectoryRoots(roots ...string) Option {
	return func(pm *Manager) {
		pm.dirLimit = true
		pm.dirRoots = pm.dirRoots[:0]
		for _, r := range roots {
			pm.dirRoots = append(pm.dirRoots, filepath.Clean(r))
		}
	}
}

// WithHTTPClient sets the client used for file downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(pm *Manager) { pm.client = c }
}

// WithProvider registers p for keys of kind, replacing any built-in.
func WithProvider(kind string, p Provider) Option {
	return func(pm *Manager) { pm.providers[kind] = p }
}

// New creates the package root if needed and returns a manager with the
// built-in providers.
func New(root string, opts ...Option) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("package root is required: %w", errdefs.ErrInvalidArgument)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create package root: %w", err)
	}
	m := &Manager{
		root:        root,
		downloadKey: DefaultDownloadKey,
		javaRoots:   []string{"/usr/lib/jvm"},
		client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		providers: map[string]Provider{
			KindDirectory: ProviderFunc(resolveSelf),
			KindJava:      ProviderFunc(resolveSelf),
			KindFiles:     ProviderFunc(resolveSelf),
			KindProvided:  ProviderFunc(resolveProvided),
		},
		resolved: make(map[string]Resolved),
		locals:   make(map[string]*Local),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Root() string { return m.root }

func (m *Manager) directoryAllowed(dir string) bool {
	if !m.dirLimit {
		return true
	}
	dir = filepath.Clean(dir)
	for _, root := range m.dirRoots {
		rel, err := filepath.Rel(root, dir)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// PathFor returns the directory a package for key is installed in.
func (m *Manager) PathFor(key Key) string {
	return filepath.Join(m.root, key.Identifier())
}

// ResolvePackage returns the cached resolution of key or resolves it with the
// provider registered for its kind. Successful resolutions are cached and
// backfilled onto an already cached local package. Failures are logged and
// returned; they are not retried.
func (m *Manager) ResolvePackage(ctx context.Context, key Key) (Resolved, error) {
	if err := Validate(key); err != nil {
		return nil, &ResolveError{Key: key, Err: err}
	}
	id := key.Identifier()

	m.mu.RLock()
	r, ok := m.resolved[id]
	m.mu.RUnlock()
	if ok {
		return r, nil
	}

	v, err, _ := m.resolving.Do(id, func() (any, error) {
		m.mu.RLock()
		r, ok := m.resolved[id]
		m.mu.RUnlock()
		if ok {
			return r, nil
		}

		p, ok := m.providers[key.Kind()]
		if !ok {
			return nil, fmt.Errorf("no provider for kind %q: %w", key.Kind(), errdefs.ErrNotImplemented)
		}
		r, err := p.Resolve(ctx, m, key)
		if err != nil {
			return nil, err
		}
		check.Assert(r != nil, "packages: provider returned nil resolution")

		m.mu.Lock()
		m.resolved[id] = r
		local := m.locals[id]
		m.mu.Unlock()
		if local != nil {
			local.setResolved(r.Key())
		}
		return r, nil
	})
	if err != nil {
		slog.Warn("package resolution failed", "component", "package-manager", "package", id, "kind", key.Kind(), "err", err)
		return nil, &ResolveError{Key: key, Err: err}
	}
	return v.(Resolved), nil
}

// FindPackage returns the local package for key from the cache or, failing
// that, from an existing directory under the root. It never installs.
func (m *Manager) FindPackage(key Key) (*Local, bool, error) {
	id := key.Identifier()
	m.mu.RLock()
	local, ok := m.locals[id]
	m.mu.RUnlock()
	if ok {
		return local, true, nil
	}

	dir := m.PathFor(key)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("stat package %s: %w", id, err)
	}
	if !info.IsDir() {
		return nil, false, fmt.Errorf("package path %s is not a directory: %w", dir, errdefs.ErrFailedPrecondition)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if local, ok := m.locals[id]; ok {
		return local, true, nil
	}
	local = newLocal(m, key, dir)
	if r, ok := m.resolved[id]; ok {
		local.setResolved(r.Key())
	}
	m.locals[id] = local
	return local, true, nil
}

// FindOrInstallPackage resolves key and returns its local package, installing
// it if needed.
func (m *Manager) FindOrInstallPackage(ctx context.Context, key Key) (*Local, error) {
	r, err := m.ResolvePackage(ctx, key)
	if err != nil {
		return nil, err
	}
	return m.findOrInstall(ctx, key, r)
}

// FindOrInstallResolved returns the local package for r's key, installing it
// if needed.
func (m *Manager) FindOrInstallResolved(ctx context.Context, r Resolved) (*Local, error) {
	return m.findOrInstall(ctx, r.Key(), r)
}

// findOrInstall holds the per-identifier flight for the whole check-then-
// install sequence, so concurrent callers for one key share one install.
func (m *Manager) findOrInstall(ctx context.Context, key Key, r Resolved) (*Local, error) {
	id := key.Identifier()
	v, err, _ := m.installs.Do(id, func() (any, error) {
		m.mu.RLock()
		cached := m.locals[id]
		m.mu.RUnlock()
		if cached != nil && cached.isLoaded() {
			cached.setResolved(r.Key())
			return cached, nil
		}

		dir := m.PathFor(key)
		log := slog.With("component", "package-manager", "package", id, "kind", key.Kind())
		if _, err := os.Stat(dir); err == nil {
			loaded, err := r.Load(m, dir)
			if err == nil {
				if cached != nil {
					loaded = cached
				}
				loaded.markLoaded()
				loaded.setResolved(r.Key())
				return m.remember(id, loaded), nil
			}
			log.Warn("reinstalling unusable package directory", "dir", dir, "err", err)
			if err := os.RemoveAll(dir); err != nil {
				return nil, fmt.Errorf("remove unusable package %s: %w", id, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat package %s: %w", id, err)
		}

		log.Debug("installing package", "dir", dir)
		local, err := r.Install(ctx, m, dir)
		if err != nil {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				log.Warn("remove partial package", "dir", dir, "err", rmErr)
			}
			return nil, fmt.Errorf("install package %s: %w", id, err)
		}
		local.markLoaded()
		local.setResolved(r.Key())
		local = m.remember(id, local)
		log.Info("package installed", "dir", local.Path())
		return local, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Local), nil
}

// remember caches local under id unless a loaded copy is already cached, and
// returns the cached one.
func (m *Manager) remember(id string, local *Local) *Local {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.locals[id]; ok && cached.isLoaded() {
		return cached
	}
	m.locals[id] = local
	return local
}

// Installed lists cached local packages.
func (m *Manager) Installed() []*Local {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Local, 0, len(m.locals))
	for _, l := range m.locals {
		out = append(out, l)
	}
	return out
}

func (m *Manager) downloadService() (DownloadService, error) {
	if m.services == nil {
		return nil, fmt.Errorf("download service: no service manager configured: %w", errdefs.ErrNotFound)
	}
	return service.Require(m.services, m.downloadKey)
}
