package fake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"nodefleet/internal/packages"

	"github.com/containerd/errdefs"
)

var _ packages.DownloadService = (*DownloadService)(nil)

// DownloadService materializes provided packages from in-memory file sets.
type DownloadService struct {
	CallRecorder
	Faults

	mu       sync.Mutex
	packages map[string]map[string]string
}

func NewDownloadService() *DownloadService {
	return &DownloadService{packages: make(map[string]map[string]string)}
}

// Put publishes files under key.
func (d *DownloadService) Put(key packages.Key, files map[string]string) {
	d.mu.Lock()
	d.packages[key.Identifier()] = files
	d.mu.Unlock()
}

func (d *DownloadService) DownloadPackage(_ context.Context, _ *packages.Manager, key packages.Key, target string) error {
	d.record("DownloadPackage", key.Identifier(), target)
	if err := d.fault("DownloadPackage", key.Identifier()); err != nil {
		return err
	}
	d.mu.Lock()
	files, ok := d.packages[key.Identifier()]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("package %s: %w", key.Identifier(), errdefs.ErrNotFound)
	}
	for name, body := range files {
		p := filepath.Join(target, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			return err
		}
	}
	return nil
}
