package attach

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nodefleet/internal/node"
	"nodefleet/internal/packages"
	"nodefleet/internal/telemetry/telemetrytest"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcStep is a test step; it cannot be sent on the wire.
type funcStep func(ctx context.Context, pkg *packages.Local, dst Destination) error

func (f funcStep) Install(ctx context.Context, pkg *packages.Local, dst Destination) error {
	return f(ctx, pkg, dst)
}
func (funcStep) variant() string { return "func" }

func noop() Step {
	return funcStep(func(context.Context, *packages.Local, Destination) error { return nil })
}

// srcDir creates a package source directory holding files.
func srcDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func newPackages(t *testing.T) *packages.Manager {
	t.Helper()
	pm, err := packages.New(filepath.Join(t.TempDir(), "packages"))
	require.NoError(t, err)
	return pm
}

func TestFlattenOrdersDependenciesFirst(t *testing.T) {
	key := packages.DirectoryKey{Path: "/opt/pkg"}
	c := Must(New(key, noop(), WithID("c")))
	b := Must(New(key, noop(), WithID("b"), DependsOn(c)))
	a := Must(New(key, noop(), WithID("a"), DependsOn(b)))

	ids := func(in []*Attachment) []ID {
		out := make([]ID, 0, len(in))
		for _, x := range in {
			out = append(out, x.ID())
		}
		return out
	}
	assert.Equal(t, []ID{"c", "b", "a"}, ids(Flatten([]*Attachment{a})))
	assert.Equal(t, []ID{"c", "b", "a"}, ids(Flatten([]*Attachment{a, b})))
	assert.Equal(t, []ID{"c", "b", "a"}, ids(Flatten([]*Attachment{b, a, c})))
}

func TestFlattenCollapsesEqualIDs(t *testing.T) {
	key := packages.DirectoryKey{Path: "/opt/pkg"}
	x1 := Must(New(key, noop(), WithID("x")))
	x2 := Must(New(key, noop(), WithID("x")))
	y := Must(New(key, noop()))
	z := Must(New(key, noop()))

	assert.Len(t, Flatten([]*Attachment{x1, x2}), 1)
	assert.Len(t, Flatten([]*Attachment{y, z}), 2)
	assert.NotEqual(t, y.ID(), z.ID())
}

func TestNewRejectsDependencyReusingID(t *testing.T) {
	key := packages.DirectoryKey{Path: "/opt/pkg"}
	x := Must(New(key, noop(), WithID("x")))
	y := Must(New(key, noop(), WithID("y"), DependsOn(x)))

	_, err := New(key, noop(), WithID("x"), DependsOn(x))
	assert.True(t, errdefs.IsInvalidArgument(err), "New() error = %v", err)
	_, err = New(key, noop(), WithID("x"), DependsOn(y))
	assert.True(t, errdefs.IsInvalidArgument(err), "New() error = %v", err)

	_, err = New(key, noop(), WithID("z"), DependsOn(x, y))
	assert.NoError(t, err)
}

func TestApplyReturnsOnDependencyCycle(t *testing.T) {
	pm := newPackages(t)
	key := packages.DirectoryKey{Path: srcDir(t, map[string]string{"f": "x"})}
	a := &Attachment{id: "a", source: key, step: noop()}
	b := &Attachment{id: "b", source: key, step: noop(), deps: []*Attachment{a}}
	a.deps = []*Attachment{b}

	finished := make(chan []Result, 1)
	go func() {
		finished <- NewPipeline(pm).Apply(context.Background(), Placement{NodePath: t.TempDir()}, []*Attachment{a})
	}()
	select {
	case results := <-finished:
		require.Len(t, results, 2)
		assert.Equal(t, ID("b"), results[0].Attachment.ID())
		assert.Equal(t, ID("a"), results[1].Attachment.ID())
	case <-time.After(3 * time.Second):
		t.Fatal("Apply did not return")
	}
}

func TestApplyRecordsEveryOutcome(t *testing.T) {
	pm := newPackages(t)
	src := srcDir(t, map[string]string{"f": "x"})
	key := packages.DirectoryKey{Path: src}
	boom := errors.New("boom")

	const n = 6
	var roots []*Attachment
	for i := range n {
		step := noop()
		if i == 3 {
			step = funcStep(func(context.Context, *packages.Local, Destination) error { return boom })
		}
		roots = append(roots, Must(New(key, step, WithID(ID(fmt.Sprintf("a%d", i))))))
	}

	results := NewPipeline(pm, WithLimit(2)).Apply(context.Background(), Placement{NodePath: t.TempDir()}, roots)
	require.Len(t, results, n)
	failures := Failures(results)
	require.Len(t, failures, 1)
	assert.Equal(t, ID("a3"), failures[0].Attachment.ID())
	assert.Equal(t, key, failures[0].Package)
	assert.ErrorIs(t, Join(results), boom)
	for i, r := range results {
		if i != 3 {
			assert.True(t, r.OK())
			assert.NotNil(t, r.Package)
		}
	}
}

func TestApplyWaitsForDependencies(t *testing.T) {
	pm := newPackages(t)
	key := packages.DirectoryKey{Path: srcDir(t, map[string]string{"f": "x"})}

	var mu sync.Mutex
	var order []string
	record := func(name string, delay time.Duration, err error) Step {
		return funcStep(func(context.Context, *packages.Local, Destination) error {
			time.Sleep(delay)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return err
		})
	}
	base := Must(New(key, record("base", 30*time.Millisecond, errors.New("base failed"))))
	mid := Must(New(key, record("mid", 10*time.Millisecond, nil), DependsOn(base)))
	top := Must(New(key, record("top", 0, nil), DependsOn(mid)))

	results := NewPipeline(pm).Apply(context.Background(), Placement{NodePath: t.TempDir()}, []*Attachment{top})
	require.Len(t, results, 3)
	assert.Equal(t, []string{"base", "mid", "top"}, order)
	assert.Len(t, Failures(results), 1)
}

func TestApplyRecoversPanics(t *testing.T) {
	pm := newPackages(t)
	key := packages.DirectoryKey{Path: srcDir(t, map[string]string{"f": "x"})}
	a := Must(New(key, funcStep(func(context.Context, *packages.Local, Destination) error { panic("kaboom") })))

	results := NewPipeline(pm).Apply(context.Background(), Placement{NodePath: t.TempDir()}, []*Attachment{a})
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Err.Error(), "kaboom")
}

func TestApplyHostTarget(t *testing.T) {
	pm := newPackages(t)
	key := packages.DirectoryKey{Path: srcDir(t, map[string]string{"bin/tool": "#!"})}
	a := Must(New(key, CopyFiles{}, OnHost()))

	results := NewPipeline(pm).Apply(context.Background(), Placement{NodePath: t.TempDir()}, []*Attachment{a})
	require.Len(t, Failures(results), 1)

	hostDir := t.TempDir()
	results = NewPipeline(pm).Apply(context.Background(), Placement{NodePath: t.TempDir(), HostPath: hostDir}, []*Attachment{a})
	require.Empty(t, Failures(results))
	assert.FileExists(t, filepath.Join(hostDir, "bin", "tool"))
}

func TestApplyEmitsSpans(t *testing.T) {
	pm := newPackages(t)
	key := packages.DirectoryKey{Path: srcDir(t, map[string]string{"f": "x"})}
	tracer, recorder := telemetrytest.NewTracer()

	a := Must(New(key, CopyFiles{}))
	b := Must(New(key, CopyFiles{Into: "b"}, DependsOn(a)))
	NewPipeline(pm, WithTracer(tracer)).Apply(context.Background(), Placement{NodePath: t.TempDir()}, []*Attachment{b})

	assert.Equal(t, 2, telemetrytest.CountSpans(recorder.Ended(), "attach.install"))
}

func TestLoadLibrariesOnlyOnLocalNode(t *testing.T) {
	network := node.NewNetwork("prod", "host-1", nil)
	remote, err := node.NewBuilder(network, "web-1").Build()
	require.NoError(t, err)
	local, err := node.NewBuilder(network, "host-1").Build()
	require.NoError(t, err)

	pm := newPackages(t)
	key := packages.DirectoryKey{Path: srcDir(t, map[string]string{"lib/ext.so": "elf"})}
	loader := &recordingLoader{}
	a := Must(New(key, LoadLibraries{Libraries: []string{"lib/ext.so"}, Loader: loader}))

	results := NewPipeline(pm).Apply(context.Background(), Placement{Node: remote, NodePath: t.TempDir()}, []*Attachment{a})
	require.Len(t, Failures(results), 1)
	assert.ErrorIs(t, results[0].Err, ErrNotLocal)
	assert.Empty(t, loader.paths)

	results = NewPipeline(pm).Apply(context.Background(), Placement{Node: local, NodePath: t.TempDir()}, []*Attachment{a})
	require.Empty(t, Failures(results))
	require.Len(t, loader.paths, 1)
	assert.Equal(t, filepath.Join(results[0].Package.Path(), "lib", "ext.so"), loader.paths[0])
}

type recordingLoader struct {
	mu    sync.Mutex
	paths []string
}

func (l *recordingLoader) Load(p string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths = append(l.paths, p)
	return nil
}
