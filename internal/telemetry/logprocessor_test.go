package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestLogProcessorLogsOperationAndSteps(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	provider := NewProvider(log)
	defer provider.Shutdown(context.Background())
	tracer := provider.Tracer("test")

	op, err := EmitPlan(context.Background(), tracer, "cluster.allocate", Plan{Steps: []PlannedStep{
		{ID: "directory", Title: "creating node directory"},
		{ID: "attachments", Title: "installing packages"},
	}}, attribute.String("node", "web-1"))
	if err != nil {
		t.Fatalf("EmitPlan() error = %v", err)
	}
	_ = op.RunStep(op.Context(), "directory", func(context.Context) error { return nil })
	stepErr := op.RunStep(op.Context(), "attachments", func(context.Context) error { return errors.New("disk full") })
	op.End(nil)
	if stepErr == nil {
		t.Fatal("RunStep() error = nil, want step error")
	}

	records := decodeRecords(t, &buf)
	if len(records) != 3 {
		t.Fatalf("log records = %d, want 3: %s", len(records), buf.String())
	}

	if records[0]["msg"] != "step finished" || records[0]["level"] != "DEBUG" || records[0]["span"] != "directory" {
		t.Fatalf("first record = %v, want debug step finished for directory", records[0])
	}
	if records[1]["msg"] != "step failed" || records[1]["level"] != "WARN" || records[1]["err"] != "disk full" {
		t.Fatalf("second record = %v, want warn step failed with disk full", records[1])
	}
	root := records[2]
	if root["msg"] != "operation finished" || root["level"] != "INFO" {
		t.Fatalf("root record = %v, want info operation finished", root)
	}
	if root["node"] != "web-1" || root["steps"] != float64(2) || root["component"] != "telemetry" {
		t.Fatalf("root record = %v, want node web-1 with 2 steps", root)
	}
	if _, ok := root[PlanJSONKey]; ok {
		t.Fatal("plan json must not be logged")
	}
}

func decodeRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}
