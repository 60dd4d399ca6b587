package telemetry

import (
	"context"
	"errors"
	"testing"

	"nodefleet/internal/telemetry/telemetrytest"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func TestEmitPlanAndRunStepSuccess(t *testing.T) {
	t.Parallel()

	tracer, recorder := telemetrytest.NewTracer()
	op, err := EmitPlan(context.Background(), tracer, "cluster.allocate", Plan{Steps: []PlannedStep{
		{ID: "directory", Title: "creating node directory"},
		{ID: "attachments", ParentID: "directory", Title: "installing packages"},
	}}, attribute.String("node", "web-1"))
	if err != nil {
		t.Fatalf("EmitPlan() error = %v", err)
	}

	if err := op.RunStep(op.Context(), "directory", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	op.End(nil)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended span count = %d, want 2", len(spans))
	}

	root := telemetrytest.FindSpan(spans, "cluster.allocate")
	if root == nil {
		t.Fatal("missing root span")
	}
	if got := telemetrytest.Attr(root.Attributes(), "node"); got != "web-1" {
		t.Fatalf("root node attribute = %q, want web-1", got)
	}
	if len(root.Events()) == 0 {
		t.Fatal("expected root plan event")
	}
	planEvent := root.Events()[0]
	if planEvent.Name != PlanEventName {
		t.Fatalf("plan event name = %q, want %q", planEvent.Name, PlanEventName)
	}
	if telemetrytest.Attr(planEvent.Attributes, PlanVersionKey) != PlanVersion {
		t.Fatalf("plan event version = %q, want %q", telemetrytest.Attr(planEvent.Attributes, PlanVersionKey), PlanVersion)
	}

	child := telemetrytest.FindSpan(spans, "directory")
	if child == nil {
		t.Fatal("missing child step span")
	}
	if child.Parent().SpanID() != root.SpanContext().SpanID() {
		t.Fatalf("step parent span id = %s, want %s", child.Parent().SpanID(), root.SpanContext().SpanID())
	}
}

func TestRunStepFailureSetsErrorStatus(t *testing.T) {
	t.Parallel()

	tracer, recorder := telemetrytest.NewTracer()
	op, err := EmitPlan(context.Background(), tracer, "cluster.destroy", Plan{Steps: []PlannedStep{{ID: "remove_directory", Title: "removing directory"}}})
	if err != nil {
		t.Fatalf("EmitPlan() error = %v", err)
	}

	boom := errors.New("boom")
	err = op.RunStep(op.Context(), "remove_directory", func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunStep() error = %v, want boom", err)
	}
	op.End(err)

	child := telemetrytest.FindSpan(recorder.Ended(), "remove_directory")
	if child == nil {
		t.Fatal("missing failed step span")
	}
	if child.Status().Code != codes.Error {
		t.Fatalf("step status code = %v, want %v", child.Status().Code, codes.Error)
	}
	if child.Status().Description != "boom" {
		t.Fatalf("step status description = %q, want boom", child.Status().Description)
	}
}

func TestNilOperationRunsStepWithoutSpan(t *testing.T) {
	t.Parallel()

	var op *Operation
	ran := false
	if err := op.RunStep(context.Background(), "noop", func(context.Context) error { ran = true; return nil }); err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	if !ran {
		t.Fatal("RunStep() did not run fn")
	}
	op.End(nil)
}

func TestEmitPlanValidationFailure(t *testing.T) {
	t.Parallel()

	tracer, _ := telemetrytest.NewTracer()
	_, err := EmitPlan(context.Background(), tracer, "cluster.allocate", Plan{Steps: []PlannedStep{
		{ID: "install", Title: "installing"},
		{ID: "install", Title: "duplicated"},
	}})
	if err == nil {
		t.Fatal("EmitPlan() error = nil, want duplicate id error")
	}
}
