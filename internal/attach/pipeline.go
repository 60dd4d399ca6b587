package attach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"nodefleet/internal/node"
	"nodefleet/internal/packages"
	"nodefleet/internal/telemetry"

	"github.com/containerd/errdefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Error is the failure of a single attachment.
type Error struct {
	Attachment *Attachment
	Package    packages.Key
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("attachment %s of package %s: %v", e.Attachment.ID(), e.Package.Identifier(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Result is the outcome of one attachment. Err is nil or an *Error.
type Result struct {
	Attachment *Attachment
	Package    *packages.Local
	Err        error
}

func (r Result) OK() bool { return r.Err == nil }

// Failures returns the failed results' errors in order.
func Failures(results []Result) []*Error {
	var out []*Error
	for _, r := range results {
		var aerr *Error
		if errors.As(r.Err, &aerr) {
			out = append(out, aerr)
		}
	}
	return out
}

// Join combines every failure into one error, or returns nil.
func Join(results []Result) error {
	var errs []error
	for _, f := range Failures(results) {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// Flatten orders attachments so that each appears once, after all of its
// dependencies. Attachments are identified by ID.
func Flatten(roots []*Attachment) []*Attachment {
	seen := make(map[ID]struct{})
	var out []*Attachment
	var visit func(a *Attachment)
	visit = func(a *Attachment) {
		if _, ok := seen[a.id]; ok {
			return
		}
		seen[a.id] = struct{}{}
		for _, d := range a.deps {
			visit(d)
		}
		out = append(out, a)
	}
	for _, a := range roots {
		if a != nil {
			visit(a)
		}
	}
	return out
}

// Placement is where a pipeline run installs: a node, its directory, and
// optionally its host and the host's directory.
type Placement struct {
	Node     *node.Node
	NodePath string
	Host     *node.Node
	HostPath string
}

func (p Placement) destination(t Target) (Destination, error) {
	if t == TargetHost {
		if p.HostPath == "" {
			return Destination{}, fmt.Errorf("attachment targets the host but no host path is set: %w", errdefs.ErrFailedPrecondition)
		}
		return Destination{Node: p.Host, Path: p.HostPath}, nil
	}
	return Destination{Node: p.Node, Path: p.NodePath}, nil
}

// Pipeline installs attachments through a package manager.
type Pipeline struct {
	packages *packages.Manager
	limit    int
	tracer   trace.Tracer
}

type PipelineOption func(*Pipeline)

// WithLimit bounds the number of concurrent installs. Zero or less means no
// bound.
func WithLimit(n int) PipelineOption {
	return func(p *Pipeline) { p.limit = n }
}

func WithTracer(t trace.Tracer) PipelineOption {
	return func(p *Pipeline) { p.tracer = t }
}

func NewPipeline(pm *packages.Manager, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{packages: pm}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply installs the flattened closure of roots into placement. Installs run
// concurrently; each waits until its dependencies have finished, successfully
// or not. The result slice has one entry per flattened attachment, in
// flattened order.
func (p *Pipeline) Apply(ctx context.Context, placement Placement, roots []*Attachment) []Result {
	order := Flatten(roots)
	results := make([]Result, len(order))
	done := make(map[ID]chan struct{}, len(order))
	pos := make(map[ID]int, len(order))
	for i, a := range order {
		done[a.id] = make(chan struct{})
		pos[a.id] = i
	}

	log := slog.With("component", "attach-pipeline", "node", nodeName(placement.Node))
	g := new(errgroup.Group)
	if p.limit > 0 {
		g.SetLimit(p.limit)
	}
	for i, a := range order {
		g.Go(func() error {
			defer close(done[a.id])
			for _, d := range a.deps {
				// Only attachments ordered earlier can be waited on.
				if pos[d.id] < i {
					<-done[d.id]
				}
			}
			results[i] = p.install(ctx, placement, a)
			if results[i].Err != nil {
				log.Warn("attachment failed", "attachment", a.id, "package", a.source.Identifier(), "err", results[i].Err)
			}
			return nil
		})
	}
	_ = g.Wait()
	log.Debug("attachments applied", "count", len(results), "failed", len(Failures(results)))
	return results
}

func (p *Pipeline) install(ctx context.Context, placement Placement, a *Attachment) (res Result) {
	res.Attachment = a
	fail := func(err error) Result {
		res.Err = &Error{Attachment: a, Package: a.source, Err: err}
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			res = fail(fmt.Errorf("install panicked: %v", r))
		}
	}()

	dst, err := placement.destination(a.target)
	if err != nil {
		return fail(err)
	}
	err = telemetry.Span(ctx, p.tracer, "attach.install", func(ctx context.Context) error {
		local, err := p.packages.FindOrInstallPackage(ctx, a.source)
		if err != nil {
			return err
		}
		res.Package = local
		return a.step.Install(ctx, local, dst)
	},
		attribute.String("attachment.id", string(a.id)),
		attribute.String("attachment.variant", a.step.variant()),
		attribute.String("attachment.target", a.target.String()),
		attribute.String("package", a.source.Identifier()),
	)
	if err != nil {
		return fail(err)
	}
	return res
}

func nodeName(n *node.Node) string {
	if n == nil {
		return ""
	}
	return n.Name()
}
