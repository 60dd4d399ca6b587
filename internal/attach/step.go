package attach

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"plugin"
	"strings"

	"nodefleet/internal/packages"

	"github.com/containerd/errdefs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

const (
	variantCopy     = "copy"
	variantLink     = "link"
	variantSequence = "sequence"
	variantLoad     = "load"
)

// Match reports whether the slash-separated relative path rel matches one of
// patterns. A pattern without a slash matches the base name, a pattern ending
// in a slash matches a subtree, anything else matches the whole path. No
// patterns match everything.
func Match(patterns []string, rel string) bool {
	if len(patterns) == 0 {
		return true
	}
	rel = filepath.ToSlash(rel)
	for _, p := range patterns {
		switch {
		case strings.HasSuffix(p, "/"):
			if rel == strings.TrimSuffix(p, "/") || strings.HasPrefix(rel, p) {
				return true
			}
		case !strings.Contains(p, "/"):
			if ok, _ := path.Match(p, path.Base(rel)); ok {
				return true
			}
		default:
			if ok, _ := path.Match(p, rel); ok {
				return true
			}
		}
	}
	return false
}

// PathResolver maps a file's path inside the package to its path inside the
// destination. Returning false skips the file.
type PathResolver func(rel string) (string, bool)

// CopyFiles copies the package files matching Include into Into under the
// destination.
type CopyFiles struct {
	Include []string
	Into    string
	// Resolve overrides the default Into/rel mapping. It is not sent on the wire.
	Resolve PathResolver
}

func (CopyFiles) variant() string { return variantCopy }

func (c CopyFiles) resolve(rel string) (string, bool) {
	if c.Resolve != nil {
		return c.Resolve(rel)
	}
	return filepath.Join(c.Into, rel), true
}

func (c CopyFiles) Install(_ context.Context, pkg *packages.Local, dst Destination) error {
	into, err := confined("into", c.Into)
	if err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	c.Into = into
	src := pkg.FS()
	out := osfs.New(dst.Path)
	return util.Walk(src, ".", func(rel string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if rel == "." || info.IsDir() || !Match(c.Include, rel) {
			return nil
		}
		target, ok := c.resolve(rel)
		if !ok {
			return nil
		}
		if err := out.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create parent of %s: %w", target, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := src.Readlink(rel)
			if err != nil {
				return err
			}
			_ = out.Remove(target)
			return out.Symlink(link, target)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return packages.CopyFile(src, rel, out, target, info.Mode().Perm())
	})
}

// LinkFiles links package entries into the destination: directories become
// symbolic links and files become hard links. Entries are the explicit Files
// plus anything matching Include. A destination that already resolves through
// a link is left alone.
type LinkFiles struct {
	Include []string
	Files   []string
	Into    string
}

func (LinkFiles) variant() string { return variantLink }

func (l LinkFiles) Install(_ context.Context, pkg *packages.Local, dst Destination) error {
	into, err := confined("into", l.Into)
	if err != nil {
		return fmt.Errorf("link: %w", err)
	}
	l.Into = into
	for _, rel := range l.Files {
		rel, err := confined("link", rel)
		if err != nil {
			return err
		}
		if rel == "." {
			return fmt.Errorf("link %q: path must name an entry of the package: %w", rel, errdefs.ErrInvalidArgument)
		}
		info, err := os.Lstat(filepath.Join(pkg.Path(), rel))
		if err != nil {
			return fmt.Errorf("link %s: %w", rel, err)
		}
		if err := l.link(pkg.Path(), rel, info.IsDir(), dst.Path); err != nil {
			return err
		}
	}
	if len(l.Include) == 0 {
		return nil
	}
	return util.Walk(pkg.FS(), ".", func(rel string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if rel == "." || !Match(l.Include, rel) {
			return nil
		}
		if err := l.link(pkg.Path(), rel, info.IsDir(), dst.Path); err != nil {
			return err
		}
		if info.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
}

func (l LinkFiles) link(pkgRoot, rel string, dir bool, dstRoot string) error {
	from := filepath.Join(pkgRoot, rel)
	targetRel := filepath.Join(l.Into, rel)
	to := filepath.Join(dstRoot, targetRel)

	linked, err := throughLink(dstRoot, targetRel)
	if err != nil {
		return err
	}
	if linked {
		return nil
	}
	if existing, err := os.Lstat(to); err == nil {
		src, err := os.Stat(from)
		if err == nil && os.SameFile(src, existing) {
			return nil
		}
		return fmt.Errorf("link %s: %s exists: %w", rel, to, errdefs.ErrAlreadyExists)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("link %s: %w", rel, err)
	}

	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", to, err)
	}
	if dir {
		return os.Symlink(from, to)
	}
	return os.Link(from, to)
}

// confined cleans a slash-separated path and rejects one that is absolute or
// leaves its root.
func confined(what, p string) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s %q: path must stay inside its root: %w", what, p, errdefs.ErrInvalidArgument)
	}
	return rel, nil
}

// throughLink reports whether any existing component of rel under root is a
// symbolic link.
func throughLink(root, rel string) (bool, error) {
	cur := root
	for _, part := range strings.Split(filepath.Clean(rel), string(filepath.Separator)) {
		if part == "" || part == "." {
			continue
		}
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("inspect %s: %w", cur, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return true, nil
		}
	}
	return false, nil
}

// Sequence runs its steps in order against the same package, stopping at the
// first failure.
type Sequence []Step

func (Sequence) variant() string { return variantSequence }

func (s Sequence) Install(ctx context.Context, pkg *packages.Local, dst Destination) error {
	for i, step := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step.Install(ctx, pkg, dst); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.variant(), err)
		}
	}
	return nil
}

// Loader registers a binary artifact with the running process.
type Loader interface {
	Load(path string) error
}

// PluginLoader opens Go plugins.
type PluginLoader struct{}

func (PluginLoader) Load(p string) error {
	if _, err := plugin.Open(p); err != nil {
		return fmt.Errorf("open plugin %s: %w", p, err)
	}
	return nil
}

// ErrNotLocal is returned when a load step runs against a node other than the
// process's own.
var ErrNotLocal = errors.New("libraries can only be loaded into the local node")

// LoadLibraries loads package artifacts into the current process. It is only
// valid when the destination node is the process's own node.
type LoadLibraries struct {
	Libraries []string
	// Loader defaults to PluginLoader. It is not sent on the wire.
	Loader Loader
}

func (LoadLibraries) variant() string { return variantLoad }

func (l LoadLibraries) Install(_ context.Context, pkg *packages.Local, dst Destination) error {
	if dst.Node == nil || !dst.Node.IsLocal() {
		name := "<none>"
		if dst.Node != nil {
			name = dst.Node.Name()
		}
		return fmt.Errorf("load into %s: %w: %w", name, ErrNotLocal, errdefs.ErrFailedPrecondition)
	}
	loader := l.Loader
	if loader == nil {
		loader = PluginLoader{}
	}
	for _, lib := range l.Libraries {
		rel, err := confined("load", lib)
		if err != nil {
			return err
		}
		if err := loader.Load(filepath.Join(pkg.Path(), rel)); err != nil {
			return err
		}
	}
	return nil
}
