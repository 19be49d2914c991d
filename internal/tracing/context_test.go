package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestWithTraceID(t *testing.T) {
	ctx := context.Background()
	traceID := "test-trace-id"

	ctx = WithTraceID(ctx, traceID)

	retrieved := GetTraceID(ctx)
	if retrieved != traceID {
		t.Errorf("Expected trace ID %s, got %s", traceID, retrieved)
	}
}

func TestWithJobID(t *testing.T) {
	ctx := context.Background()

	ctx = WithJobID(ctx, "job-1")

	if got := GetJobID(ctx); got != "job-1" {
		t.Errorf("Expected job ID job-1, got %s", got)
	}
}

func TestFromContextRoundTrip(t *testing.T) {
	tc := &TraceContext{
		TraceID:   "t",
		RunID:     "r",
		JobID:     "j",
		SessionID: "s",
		ServerKey: "srv",
	}

	ctx := NewContext(context.Background(), tc)
	got := FromContext(ctx)

	if *got != *tc {
		t.Errorf("Expected %+v, got %+v", tc, got)
	}
}

func TestMergeContextDoesNotOverwrite(t *testing.T) {
	target := WithTraceID(context.Background(), "keep")
	source := WithTraceID(context.Background(), "discard")
	source = WithJobID(source, "job-9")

	merged := MergeContext(target, source)

	if got := GetTraceID(merged); got != "keep" {
		t.Errorf("Expected trace ID keep, got %s", got)
	}
	if got := GetJobID(merged); got != "job-9" {
		t.Errorf("Expected job ID job-9, got %s", got)
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())

	if GetTraceID(ctx) == "" {
		t.Error("NewRequestContext did not assign a trace ID")
	}
}
