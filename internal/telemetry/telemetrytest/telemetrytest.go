// Package telemetrytest records spans in memory for tests.
package telemetrytest

import (
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// NewTracer returns a tracer whose spans land in the returned recorder.
func NewTracer() (trace.Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return provider.Tracer("nodefleet-test"), recorder
}

func FindSpan(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

// CountSpans returns how many spans are named name.
func CountSpans(spans []sdktrace.ReadOnlySpan, name string) int {
	n := 0
	for _, span := range spans {
		if span.Name() == name {
			n++
		}
	}
	return n
}

func Attr(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.Emit()
		}
	}
	return ""
}
