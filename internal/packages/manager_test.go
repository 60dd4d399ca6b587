package packages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nodefleet/internal/service"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPackage struct {
	key      Key
	installs *atomic.Int32
	delay    time.Duration
	fail     error
}

func (p countingPackage) Key() Key { return p.key }

func (p countingPackage) Install(_ context.Context, m *Manager, dir string) (*Local, error) {
	p.installs.Add(1)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	time.Sleep(p.delay)
	if p.fail != nil {
		return nil, p.fail
	}
	if err := os.WriteFile(filepath.Join(dir, "marker"), []byte("ok"), 0o644); err != nil {
		return nil, err
	}
	return newLocal(m, p.key, dir), nil
}

func (p countingPackage) Load(m *Manager, dir string) (*Local, error) {
	return loadDir(m, p.key, dir)
}

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := New(filepath.Join(t.TempDir(), "packages"), opts...)
	require.NoError(t, err)
	return m
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestResolvePackageCachesResolution(t *testing.T) {
	var calls atomic.Int32
	installs := &atomic.Int32{}
	m := newManager(t, WithProvider(KindProvided, ProviderFunc(func(_ context.Context, _ *Manager, key Key) (Resolved, error) {
		calls.Add(1)
		return countingPackage{key: key, installs: installs}, nil
	})))
	key := ProvidedKey{Name: "runtime", Version: "1.0"}

	first, err := m.ResolvePackage(context.Background(), key)
	require.NoError(t, err)
	second, err := m.ResolvePackage(context.Background(), key)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, calls.Load())
}

func TestResolvePackageFailureIsNotCached(t *testing.T) {
	var calls atomic.Int32
	m := newManager(t, WithProvider(KindProvided, ProviderFunc(func(context.Context, *Manager, Key) (Resolved, error) {
		calls.Add(1)
		return nil, errors.New("provider offline")
	})))
	key := ProvidedKey{Name: "runtime"}

	_, err := m.ResolvePackage(context.Background(), key)
	var rerr *ResolveError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, key, rerr.Key)

	_, err = m.ResolvePackage(context.Background(), key)
	require.Error(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestResolvePackageRejectsInvalidKey(t *testing.T) {
	m := newManager(t)
	_, err := m.ResolvePackage(context.Background(), DirectoryKey{})
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestProvidedKeyWithoutDownloadServiceFails(t *testing.T) {
	m := newManager(t)
	_, err := m.ResolvePackage(context.Background(), ProvidedKey{Name: "x"})
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestConcurrentFindOrInstallInstallsOnce(t *testing.T) {
	installs := &atomic.Int32{}
	m := newManager(t, WithProvider(KindProvided, ProviderFunc(func(_ context.Context, _ *Manager, key Key) (Resolved, error) {
		return countingPackage{key: key, installs: installs, delay: 20 * time.Millisecond}, nil
	})))
	key := ProvidedKey{Name: "shared"}

	const callers = 8
	locals := make([]*Local, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := m.FindOrInstallPackage(context.Background(), key)
			assert.NoError(t, err)
			locals[i] = l
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, installs.Load())
	for _, l := range locals[1:] {
		assert.Same(t, locals[0], l)
	}
	entries, err := os.ReadDir(m.Root())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, key.Identifier(), entries[0].Name())
}

func TestFindOrInstallRemovesPartialDirOnFailure(t *testing.T) {
	installs := &atomic.Int32{}
	m := newManager(t, WithProvider(KindProvided, ProviderFunc(func(_ context.Context, _ *Manager, key Key) (Resolved, error) {
		return countingPackage{key: key, installs: installs, fail: errors.New("disk full")}, nil
	})))
	key := ProvidedKey{Name: "broken"}

	_, err := m.FindOrInstallPackage(context.Background(), key)
	require.Error(t, err)
	_, statErr := os.Stat(m.PathFor(key))
	assert.True(t, os.IsNotExist(statErr))

	_, ok, err := m.FindPackage(key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindPackageLoadsExistingDirectory(t *testing.T) {
	m := newManager(t)
	key := DirectoryKey{Path: "/opt/app"}
	require.NoError(t, os.MkdirAll(m.PathFor(key), 0o755))

	local, ok, err := m.FindPackage(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m.PathFor(key), local.Path())
	_, resolved := local.Resolved()
	assert.False(t, resolved)

	again, ok, err := m.FindPackage(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, local, again)
}

func TestFindOrInstallLoadsExistingDirectory(t *testing.T) {
	installs := &atomic.Int32{}
	m := newManager(t, WithProvider(KindProvided, ProviderFunc(func(_ context.Context, _ *Manager, key Key) (Resolved, error) {
		return countingPackage{key: key, installs: installs}, nil
	})))
	key := ProvidedKey{Name: "runtime", Version: "1.0"}
	require.NoError(t, os.MkdirAll(m.PathFor(key), 0o755))

	found, ok, err := m.FindPackage(key)
	require.NoError(t, err)
	require.True(t, ok)

	local, err := m.FindOrInstallPackage(context.Background(), key)
	require.NoError(t, err)
	assert.Same(t, found, local)
	assert.Zero(t, installs.Load())
	rk, ok := local.Resolved()
	require.True(t, ok)
	assert.Equal(t, key, rk)
}

func TestDirectoryRootsConfineDirectoryKeys(t *testing.T) {
	allowed := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(allowed, "f"), []byte("x"), 0o644))
	m := newManager(t, WithDirectoryRoots(allowed))

	_, err := m.FindOrInstallPackage(context.Background(), DirectoryKey{Path: allowed})
	require.NoError(t, err)

	for _, p := range []string{t.TempDir(), "/etc", filepath.Join(allowed, "..")} {
		_, err := m.ResolvePackage(context.Background(), DirectoryKey{Path: p})
		assert.True(t, errdefs.IsPermissionDenied(err), "ResolvePackage(%q) error = %v", p, err)
	}

	none := newManager(t, WithDirectoryRoots())
	_, err = none.ResolvePackage(context.Background(), DirectoryKey{Path: allowed})
	assert.True(t, errdefs.IsPermissionDenied(err), "ResolvePackage() error = %v", err)
}

func TestResolutionBackfillsCachedLocal(t *testing.T) {
	src := t.TempDir()
	m := newManager(t)
	key := DirectoryKey{Path: src}
	require.NoError(t, os.MkdirAll(m.PathFor(key), 0o755))

	local, ok, err := m.FindPackage(key)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = m.ResolvePackage(context.Background(), key)
	require.NoError(t, err)
	rk, ok := local.Resolved()
	require.True(t, ok)
	assert.Equal(t, key, rk)
}

func TestDirectoryPackageSnapshotsTree(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "lib", "a.jar"), []byte("jar"), 0o644))
	require.NoError(t, os.Symlink("lib/a.jar", filepath.Join(src, "current.jar")))

	m := newManager(t)
	local, err := m.FindOrInstallPackage(context.Background(), DirectoryKey{Path: src})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(local.Path(), "lib", "a.jar"))
	require.NoError(t, err)
	assert.Equal(t, "jar", string(data))
	link, err := os.Readlink(filepath.Join(local.Path(), "current.jar"))
	require.NoError(t, err)
	assert.Equal(t, "lib/a.jar", link)

	require.NoError(t, os.WriteFile(filepath.Join(src, "lib", "a.jar"), []byte("changed"), 0o644))
	again, err := m.FindOrInstallPackage(context.Background(), DirectoryKey{Path: src})
	require.NoError(t, err)
	assert.Same(t, local, again)
	data, err = os.ReadFile(filepath.Join(local.Path(), "lib", "a.jar"))
	require.NoError(t, err)
	assert.Equal(t, "jar", string(data))
}

type recordingDownload struct {
	mu   sync.Mutex
	keys []Key
}

func (d *recordingDownload) DownloadPackage(_ context.Context, _ *Manager, key Key, target string) error {
	d.mu.Lock()
	d.keys = append(d.keys, key)
	d.mu.Unlock()
	return os.WriteFile(filepath.Join(target, "payload"), []byte(key.Identifier()), 0o644)
}

func TestProvidedPackageUsesDownloadService(t *testing.T) {
	services := service.NewManager(service.Scope{Network: "prod"}, nil)
	dl := &recordingDownload{}
	require.NoError(t, service.Register[DownloadService](services, DefaultDownloadKey, dl))

	m := newManager(t, WithServices(services))
	key := ProvidedKey{Name: "agent", Version: "2"}
	local, err := m.FindOrInstallPackage(context.Background(), key)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(local.Path(), "payload"))
	require.NoError(t, err)
	assert.Equal(t, key.Identifier(), string(data))
	assert.Equal(t, []Key{key}, dl.keys)
	assert.Len(t, m.Installed(), 1)
}
