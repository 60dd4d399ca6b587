package cmdutil

import (
	"fmt"
	"os"
	"strings"

	"nodefleet/config"
	"nodefleet/internal/attach"
	"nodefleet/internal/cluster"
	"nodefleet/internal/node"
	"nodefleet/internal/transport"

	"github.com/containerd/errdefs"
	"github.com/spf13/cobra"
)

const envCoordinator = "NODEFLEET_COORDINATOR"

// Target is the coordinator a command talks to.
type Target struct {
	Context     string
	Coordinator string
	Network     string
	Cluster     string
}

// Flags are the connection flags shared by every fleet command.
type Flags struct {
	Context     string
	Coordinator string
}

func (f *Flags) Bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.Context, "context", "", "Context name to use")
	cmd.PersistentFlags().StringVar(&f.Coordinator, "coordinator", "", "Coordinator address (host:port), overrides the context")
}

// Resolve picks the target: --coordinator first, then $NODEFLEET_COORDINATOR,
// then the named or current context.
func (f *Flags) Resolve() (Target, error) {
	cfg, err := config.Load()
	if err != nil {
		return Target{}, err
	}
	return f.resolve(cfg)
}

func (f *Flags) resolve(cfg *config.Config) (Target, error) {
	var t Target
	name := strings.TrimSpace(f.Context)
	if name != "" {
		c, ok := cfg.Contexts[name]
		if !ok {
			return Target{}, fmt.Errorf("context %q: %w", name, errdefs.ErrNotFound)
		}
		t = fromContext(name, c)
	} else if current, c, ok := cfg.Current(); ok {
		t = fromContext(current, c)
	}

	if addr := strings.TrimSpace(os.Getenv(envCoordinator)); addr != "" && name == "" {
		t.Coordinator = addr
	}
	if addr := strings.TrimSpace(f.Coordinator); addr != "" {
		t.Coordinator = addr
	}
	if t.Coordinator == "" {
		return Target{}, fmt.Errorf("no coordinator configured, use --coordinator or `fleet context add`: %w", errdefs.ErrInvalidArgument)
	}
	return t, nil
}

func fromContext(name string, c config.Context) Target {
	return Target{Context: name, Coordinator: c.Coordinator, Network: c.Network, Cluster: c.Cluster}
}

// ClusterName returns name, falling back to the target's default cluster.
func (t Target) ClusterName(name string) (string, error) {
	if name = strings.TrimSpace(name); name != "" {
		return name, nil
	}
	if t.Cluster != "" {
		return t.Cluster, nil
	}
	return "", fmt.Errorf("no cluster given, use --cluster or set one on the context: %w", errdefs.ErrInvalidArgument)
}

// Client holds the connection to the target's coordinator.
type Client struct {
	Target Target
	Codec  *node.Codec
	comm   *transport.Communication
}

func Dial(f *Flags) (*Client, error) {
	t, err := f.Resolve()
	if err != nil {
		return nil, err
	}
	return NewClient(t)
}

func NewClient(t Target) (*Client, error) {
	codec := node.NewCodec()
	if err := attach.Register(codec); err != nil {
		return nil, err
	}
	return &Client{Target: t, Codec: codec, comm: transport.NewCommunication()}, nil
}

func (c *Client) Directory() (transport.Directory, error) {
	ch, err := c.comm.Channel(c.Target.Coordinator)
	if err != nil {
		return nil, err
	}
	return transport.NewDirectoryClient(ch), nil
}

// Allocator reaches the named cluster through the coordinator.
func (c *Client) Allocator(name string) (cluster.Allocator, error) {
	ch, err := c.comm.Channel(c.Target.Coordinator, transport.ClusterHeader, name)
	if err != nil {
		return nil, err
	}
	return transport.NewAllocatorClient(ch, c.Codec), nil
}

// Admin reaches the named cluster daemon through the coordinator's proxy.
func (c *Client) Admin(name string) (transport.Admin, error) {
	ch, err := c.comm.Channel(c.Target.Coordinator, transport.ClusterHeader, name)
	if err != nil {
		return nil, err
	}
	return transport.NewAdminClient(ch), nil
}

func (c *Client) Close() error {
	return c.comm.Close()
}
