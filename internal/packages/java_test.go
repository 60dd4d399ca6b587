package packages

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJavaDirName(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		version string
		ok      bool
	}{
		{name: "jdk-17.0.2", typ: "jdk", version: "17.0.2", ok: true},
		{name: "java-11-openjdk-amd64", typ: "jdk", version: "11", ok: true},
		{name: "temurin-21-jre", typ: "jre", version: "21", ok: true},
		{name: "jdk1.8.0_292", typ: "jdk", version: "1.8.0", ok: true},
		{name: "jre-8u292", typ: "jre", version: "8u292", ok: true},
		{name: "default-java", typ: "jdk", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, version, ok := parseJavaDirName(tt.name)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.typ, typ)
				assert.Equal(t, tt.version, version)
			}
		})
	}
}

func TestJavaMajor(t *testing.T) {
	tests := map[string]int{"1.8.0": 8, "8u292": 8, "17.0.2": 17, "21": 21}
	for in, want := range tests {
		got, ok := javaMajor(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := javaMajor("latest")
	assert.False(t, ok)
}

func fakeJava(t *testing.T, root, name string, executable bool) string {
	t.Helper()
	home := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(home, "bin"), 0o755))
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	require.NoError(t, os.WriteFile(filepath.Join(home, "bin", "java"), []byte("#!/bin/sh\n"), mode))
	return home
}

func TestJavaPackageInstallWritesManifest(t *testing.T) {
	roots := t.TempDir()
	fakeJava(t, roots, "jdk-11.0.20", true)
	want := fakeJava(t, roots, "jdk-17.0.2", true)

	m := newManager(t, WithJavaRoots(roots))
	local, err := m.FindOrInstallPackage(context.Background(), JavaKey{Type: "jdk", Version: "17.0.2"})
	require.NoError(t, err)

	home, err := JavaHome(local.Path())
	require.NoError(t, err)
	assert.Equal(t, want, home)
}

func TestJavaPackageReinstallsDirectoryWithoutManifest(t *testing.T) {
	roots := t.TempDir()
	want := fakeJava(t, roots, "jdk-17.0.2", true)
	m := newManager(t, WithJavaRoots(roots))
	key := JavaKey{Type: "jdk", Version: "17.0.2"}
	require.NoError(t, os.MkdirAll(m.PathFor(key), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(m.PathFor(key), "stray"), []byte("x"), 0o644))

	local, err := m.FindOrInstallPackage(context.Background(), key)
	require.NoError(t, err)
	home, err := JavaHome(local.Path())
	require.NoError(t, err)
	assert.Equal(t, want, home)
	assert.NoFileExists(t, filepath.Join(local.Path(), "stray"))
}

func TestJavaPackageMajorOnly(t *testing.T) {
	roots := t.TempDir()
	want := fakeJava(t, roots, "jdk1.8.0_292", true)

	m := newManager(t, WithJavaRoots(roots))
	local, err := m.FindOrInstallPackage(context.Background(), JavaKey{Version: "8", MajorOnly: true})
	require.NoError(t, err)

	home, err := JavaHome(local.Path())
	require.NoError(t, err)
	assert.Equal(t, want, home)
}

func TestJavaPackageSkipsNonExecutable(t *testing.T) {
	roots := t.TempDir()
	fakeJava(t, roots, "jdk-17.0.2", false)

	m := newManager(t, WithJavaRoots(roots, filepath.Join(roots, "missing")))
	_, err := m.FindOrInstallPackage(context.Background(), JavaKey{Version: "17.0.2"})
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	_, statErr := os.Stat(m.PathFor(JavaKey{Version: "17.0.2"}))
	assert.True(t, os.IsNotExist(statErr))
}

func TestJavaPackageTypeMismatch(t *testing.T) {
	roots := t.TempDir()
	fakeJava(t, roots, "jdk-21", true)

	m := newManager(t, WithJavaRoots(roots))
	_, err := m.FindOrInstallPackage(context.Background(), JavaKey{Type: "jre", Version: "21"})
	require.Error(t, err)
}
