package packages

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/containerd/errdefs"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// resolveSelf resolves the trivial key kinds to themselves.
func resolveSelf(_ context.Context, m *Manager, key Key) (Resolved, error) {
	switch k := key.(type) {
	case DirectoryKey:
		if !m.directoryAllowed(k.Path) {
			return nil, fmt.Errorf("directory %s is outside the allowed roots: %w", k.Path, errdefs.ErrPermissionDenied)
		}
		return directoryPackage{key: k}, nil
	case JavaKey:
		return javaPackage{key: k}, nil
	case FilesKey:
		return filesPackage{key: k}, nil
	default:
		return nil, fmt.Errorf("key kind %q does not resolve to itself: %w", key.Kind(), errdefs.ErrNotImplemented)
	}
}

// resolveProvided delegates provided keys to the network's download service.
func resolveProvided(_ context.Context, m *Manager, key Key) (Resolved, error) {
	k, ok := key.(ProvidedKey)
	if !ok {
		return nil, fmt.Errorf("expected provided key, got %T: %w", key, errdefs.ErrInvalidArgument)
	}
	svc, err := m.downloadService()
	if err != nil {
		return nil, err
	}
	return providedPackage{key: k, download: svc}, nil
}

type directoryPackage struct {
	key DirectoryKey
}

func (p directoryPackage) Key() Key { return p.key }

func (p directoryPackage) Install(_ context.Context, m *Manager, dir string) (*Local, error) {
	if err := copyTree(osfs.New(p.key.Path), osfs.New(dir)); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", p.key.Path, err)
	}
	return newLocal(m, p.key, dir), nil
}

func (p directoryPackage) Load(m *Manager, dir string) (*Local, error) {
	return loadDir(m, p.key, dir)
}

type providedPackage struct {
	key      ProvidedKey
	download DownloadService
}

func (p providedPackage) Key() Key { return p.key }

func (p providedPackage) Install(ctx context.Context, m *Manager, dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create package dir: %w", err)
	}
	if err := p.download.DownloadPackage(ctx, m, p.key, dir); err != nil {
		return nil, fmt.Errorf("download %s: %w", p.key, err)
	}
	return newLocal(m, p.key, dir), nil
}

func (p providedPackage) Load(m *Manager, dir string) (*Local, error) {
	return loadDir(m, p.key, dir)
}

func loadDir(m *Manager, key Key, dir string) (*Local, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("load package %s: %w", key.Identifier(), err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("load package %s: %s is not a directory: %w", key.Identifier(), dir, errdefs.ErrFailedPrecondition)
	}
	return newLocal(m, key, dir), nil
}

// copyTree snapshots src into dst. Symlinks are recreated as links.
func copyTree(src, dst billy.Filesystem) error {
	return util.Walk(src, ".", func(rel string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		switch {
		case info.IsDir():
			return dst.MkdirAll(rel, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := src.Readlink(rel)
			if err != nil {
				return err
			}
			return dst.Symlink(link, rel)
		case info.Mode().IsRegular():
			return CopyFile(src, rel, dst, rel, info.Mode().Perm())
		default:
			return nil
		}
	})
}

// CopyFile copies the regular file from in src to to in dst, replacing any
// existing file.
func CopyFile(src billy.Filesystem, from string, dst billy.Filesystem, to string, perm os.FileMode) error {
	in, err := src.Open(from)
	if err != nil {
		return fmt.Errorf("open %s: %w", from, err)
	}
	defer in.Close()
	if err := writeFile(in, dst, to, perm); err != nil {
		return fmt.Errorf("copy %s: %w", from, err)
	}
	return nil
}

func writeFile(r io.Reader, dst billy.Filesystem, name string, perm os.FileMode) error {
	out, err := dst.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
