package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/containerd/errdefs"
	"gopkg.in/yaml.v3"
)

// Role selects which fleetd process a config describes.
type Role string

const (
	RoleCluster     Role = "cluster"
	RoleCoordinator Role = "coordinator"
)

const (
	DefaultListen             = "0.0.0.0:7443"
	DefaultInstallParallelism = 4
)

// Network is one network a daemon serves and the node name the daemon is
// known by on it.
type Network struct {
	Name      string `yaml:"name"`
	LocalNode string `yaml:"local_node"`
}

// Admission bounds which allocations a cluster accepts.
type Admission struct {
	MaxNodes     int      `yaml:"max_nodes,omitempty"`
	RequiredTags []string `yaml:"required_tags,omitempty"`
}

type Log struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Daemon is the fleetd configuration file.
type Daemon struct {
	Role Role `yaml:"role"`
	// Cluster is the cluster name. Required for the cluster role.
	Cluster string `yaml:"cluster,omitempty"`
	Listen  string `yaml:"listen,omitempty"`
	// Advertise is the address others dial to reach this daemon. Defaults to
	// Listen.
	Advertise string `yaml:"advertise,omitempty"`
	// Coordinator is the coordinator address clusters announce to.
	Coordinator string `yaml:"coordinator,omitempty"`

	DataRoot    string   `yaml:"data_root,omitempty"`
	PackageRoot string   `yaml:"package_root,omitempty"`
	JavaRoots   []string `yaml:"java_roots,omitempty"`
	// DirectoryRoots are the only host directories directory packages may
	// snapshot. Empty refuses every directory package.
	DirectoryRoots []string `yaml:"directory_roots,omitempty"`
	// DownloadURL is the base URL of the package download service.
	DownloadURL        string `yaml:"download_url,omitempty"`
	InstallParallelism int    `yaml:"install_parallelism,omitempty"`

	Networks  []Network `yaml:"networks"`
	Admission Admission `yaml:"admission,omitempty"`
	Log       Log       `yaml:"log,omitempty"`
}

// LoadDaemon reads, defaults and validates the daemon config at path.
func LoadDaemon(path string) (Daemon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Daemon{}, fmt.Errorf("daemon config %s: %w", path, errdefs.ErrNotFound)
		}
		return Daemon{}, fmt.Errorf("read daemon config: %w", err)
	}
	return ParseDaemon(data)
}

// ParseDaemon decodes a daemon config, applies defaults and validates it.
// Unknown fields are rejected.
func ParseDaemon(data []byte) (Daemon, error) {
	var d Daemon
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return Daemon{}, fmt.Errorf("parse daemon config: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	d = d.withDefaults()
	if err := d.Validate(); err != nil {
		return Daemon{}, err
	}
	return d, nil
}

func (d Daemon) withDefaults() Daemon {
	d.Role = Role(strings.ToLower(strings.TrimSpace(string(d.Role))))
	d.Cluster = strings.TrimSpace(d.Cluster)
	d.Coordinator = strings.TrimSpace(d.Coordinator)
	if strings.TrimSpace(d.Listen) == "" {
		d.Listen = DefaultListen
	}
	if strings.TrimSpace(d.Advertise) == "" {
		d.Advertise = d.Listen
	}
	if strings.TrimSpace(d.DataRoot) == "" {
		d.DataRoot = DefaultDataRoot()
	}
	if strings.TrimSpace(d.PackageRoot) == "" {
		d.PackageRoot = filepath.Join(d.DataRoot, "packages")
	}
	if d.InstallParallelism <= 0 {
		d.InstallParallelism = DefaultInstallParallelism
	}
	for i := range d.Networks {
		d.Networks[i].Name = strings.TrimSpace(d.Networks[i].Name)
		d.Networks[i].LocalNode = strings.TrimSpace(d.Networks[i].LocalNode)
		if d.Networks[i].LocalNode == "" {
			d.Networks[i].LocalNode = hostname()
		}
	}
	return d
}

// Validate reports the first problem with d.
func (d Daemon) Validate() error {
	invalid := func(format string, a ...any) error {
		return fmt.Errorf("daemon config: %s: %w", fmt.Sprintf(format, a...), errdefs.ErrInvalidArgument)
	}
	switch d.Role {
	case RoleCluster:
		if d.Cluster == "" {
			return invalid("cluster name is required for role %q", d.Role)
		}
		if d.Coordinator == "" {
			return invalid("coordinator address is required for role %q", d.Role)
		}
	case RoleCoordinator:
		if len(d.Networks) != 1 {
			return invalid("a coordinator serves exactly one network, got %d", len(d.Networks))
		}
	default:
		return invalid("unknown role %q", d.Role)
	}
	if len(d.Networks) == 0 {
		return invalid("at least one network is required")
	}
	seen := make([]string, 0, len(d.Networks))
	for _, n := range d.Networks {
		if n.Name == "" {
			return invalid("network name is required")
		}
		if slices.Contains(seen, n.Name) {
			return invalid("network %q listed twice", n.Name)
		}
		seen = append(seen, n.Name)
	}
	if d.Admission.MaxNodes < 0 {
		return invalid("admission.max_nodes must not be negative")
	}
	return nil
}

// DefaultDataRoot is where fleetd keeps its state when data_root is unset.
func DefaultDataRoot() string {
	if runtime.GOOS == "darwin" {
		return "/usr/local/var/lib/nodefleet"
	}
	return "/var/lib/nodefleet"
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || strings.TrimSpace(name) == "" {
		return "localhost"
	}
	return name
}
