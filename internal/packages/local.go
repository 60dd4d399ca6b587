package packages

import (
	"context"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// Resolved is the outcome of resolving a Key: it knows how to materialize the
// package into a directory or load one that is already there.
type Resolved interface {
	Key() Key
	Install(ctx context.Context, m *Manager, dir string) (*Local, error)
	Load(m *Manager, dir string) (*Local, error)
}

// Local is a package installed under the manager's root.
type Local struct {
	manager *Manager
	key     Key
	path    string

	mu       sync.Mutex
	resolved Key
	loaded   bool
}

func newLocal(m *Manager, key Key, dir string) *Local {
	return &Local{manager: m, key: key, path: dir}
}

func (l *Local) Manager() *Manager { return l.manager }
func (l *Local) Key() Key          { return l.key }
func (l *Local) Path() string      { return l.path }

// FS exposes the package directory as a billy filesystem rooted at Path.
func (l *Local) FS() billy.Filesystem { return osfs.New(l.path) }

// Resolved returns the resolved key backlink once it has been set.
func (l *Local) Resolved() (Key, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resolved, l.resolved != nil
}

// markLoaded records that the directory was installed or checked by its
// resolution.
func (l *Local) markLoaded() {
	l.mu.Lock()
	l.loaded = true
	l.mu.Unlock()
}

func (l *Local) isLoaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// setResolved records the resolved key. Only the first call has an effect.
func (l *Local) setResolved(k Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resolved != nil || k == nil {
		return false
	}
	l.resolved = k
	return true
}
