// Package config handles fleetd daemon configuration and the fleet CLI
// context configuration.
//
// The CLI config is stored at $XDG_CONFIG_HOME/nodefleet/config.yaml
// (defaults to ~/.config/nodefleet/config.yaml) and follows the kubeconfig
// pattern: named contexts with a current-context selector.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"gopkg.in/yaml.v3"
)

// Context describes how the CLI reaches a coordinator.
type Context struct {
	Coordinator string `yaml:"coordinator"`       // host:port of the coordinator
	Network     string `yaml:"network,omitempty"` // network the coordinator serves
	Cluster     string `yaml:"cluster,omitempty"` // default cluster for allocations
}

// Config holds named contexts and the current selection.
type Config struct {
	CurrentContext string             `yaml:"current-context"`
	Contexts       map[string]Context `yaml:"contexts"`

	path string
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/nodefleet/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "nodefleet", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "nodefleet", "config.yaml")
}

// Load reads the config file at Path.
func Load() (*Config, error) {
	return LoadFrom(Path())
}

// LoadFrom reads the config file at path. If the file does not exist, an
// empty Config is returned (not an error).
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.Contexts = make(map[string]Context)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Contexts == nil {
		cfg.Contexts = make(map[string]Context)
	}
	return cfg, nil
}

// Save writes the config back to where it was loaded from, creating
// directories as needed.
func (c *Config) Save() error {
	p := c.path
	if p == "" {
		p = Path()
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Current returns the current context name and value.
// The bool is false when no current context is set.
func (c *Config) Current() (string, Context, bool) {
	if c.CurrentContext == "" {
		return "", Context{}, false
	}
	ctx, ok := c.Contexts[c.CurrentContext]
	if !ok {
		return "", Context{}, false
	}
	return c.CurrentContext, ctx, true
}

// Use sets the current context.
func (c *Config) Use(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q: %w", name, errdefs.ErrNotFound)
	}
	c.CurrentContext = name
	return nil
}

// Set adds or updates a named context. The first context added becomes
// current.
func (c *Config) Set(name string, ctx Context) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("context name is required: %w", errdefs.ErrInvalidArgument)
	}
	if strings.TrimSpace(ctx.Coordinator) == "" {
		return fmt.Errorf("context %q: coordinator address is required: %w", name, errdefs.ErrInvalidArgument)
	}
	c.Contexts[name] = ctx
	if c.CurrentContext == "" {
		c.CurrentContext = name
	}
	return nil
}

// Remove deletes a context. If it was the current context, current-context
// is cleared.
func (c *Config) Remove(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q: %w", name, errdefs.ErrNotFound)
	}
	delete(c.Contexts, name)
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}
	return nil
}
