package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogProcessor logs operations and their steps as spans end: planned
// operations at Info, steps at Debug, and failures at Warn.
type LogProcessor struct {
	log *slog.Logger
}

var _ sdktrace.SpanProcessor = (*LogProcessor)(nil)

func NewLogProcessor(log *slog.Logger) *LogProcessor {
	if log == nil {
		log = slog.Default()
	}
	return &LogProcessor{log: log.With("component", "telemetry")}
}

// NewProvider returns a tracer provider whose spans are logged through log.
func NewProvider(log *slog.Logger) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(NewLogProcessor(log)))
}

func (p *LogProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *LogProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	status := span.Status()
	failed := status.Code == codes.Error
	args := []any{
		"span", span.Name(),
		"duration", span.EndTime().Sub(span.StartTime()),
	}
	for _, kv := range span.Attributes() {
		if kv.Key == PlanJSONKey || kv.Key == PlanVersionKey {
			continue
		}
		args = append(args, string(kv.Key), kv.Value.Emit())
	}

	planned := planSteps(span.Attributes())
	switch {
	case failed:
		args = append(args, "err", strings.TrimSpace(status.Description))
		p.log.Warn("step failed", args...)
	case planned > 0 && !span.Parent().IsValid():
		args = append(args, "steps", planned)
		p.log.Info("operation finished", args...)
	default:
		p.log.Debug("step finished", args...)
	}
}

func (p *LogProcessor) Shutdown(context.Context) error   { return nil }
func (p *LogProcessor) ForceFlush(context.Context) error { return nil }

func planSteps(attrs []attribute.KeyValue) int {
	for _, attr := range attrs {
		if attr.Key != PlanJSONKey {
			continue
		}
		var plan Plan
		if err := json.Unmarshal([]byte(attr.Value.AsString()), &plan); err != nil {
			return 0
		}
		return len(plan.Steps)
	}
	return 0
}
