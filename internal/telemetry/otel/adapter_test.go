package otel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/embedded"

	"shoppulse/backend/internal/analytics"
)

type recordCapture struct {
	embedded.Logger
	mu      sync.Mutex
	records []otellog.Record
}

func (c *recordCapture) Emit(_ context.Context, r otellog.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

func (c *recordCapture) Enabled(context.Context, otellog.EnabledParameters) bool { return true }

func (c *recordCapture) all() []otellog.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]otellog.Record(nil), c.records...)
}

func attrsOf(r otellog.Record) map[string]string {
	out := make(map[string]string)
	r.WalkAttributes(func(kv otellog.KeyValue) bool {
		out[kv.Key] = kv.Value.AsString()
		return true
	})
	return out
}

func TestEventEmitter_RecordCarriesEventPayload(t *testing.T) {
	cap := &recordCapture{}
	emitter := NewEventEmitterWithLogger(cap)
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	err := emitter.Emit(context.Background(), &analytics.Event{
		Type:       analytics.EventSessionEnded,
		Shop:       "demo.example",
		VisitorID:  "v1",
		SessionID:  "s1",
		DurationMS: 42000,
		PageCount:  4,
		CreatedAt:  created,
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	recs := cap.all()
	if len(recs) != 1 {
		t.Fatalf("captured %d records, want 1", len(recs))
	}
	rec := recs[0]
	if got := rec.Timestamp(); !got.Equal(created) {
		t.Errorf("timestamp = %v, want %v", got, created)
	}

	attrs := attrsOf(rec)
	if attrs["event_type"] != analytics.EventSessionEnded {
		t.Errorf("event_type attribute = %q, want %q", attrs["event_type"], analytics.EventSessionEnded)
	}
	if attrs["shop"] != "demo.example" || attrs["visitor_id"] != "v1" || attrs["session_id"] != "s1" {
		t.Errorf("routing attributes = %v", attrs)
	}

	var decoded analytics.Event
	if err := json.Unmarshal(rec.Body().AsBytes(), &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.DurationMS != 42000 || decoded.PageCount != 4 {
		t.Errorf("body round-trip = %+v", decoded)
	}
}

func TestEventEmitter_DefaultsZeroTimestamp(t *testing.T) {
	cap := &recordCapture{}
	emitter := NewEventEmitterWithLogger(cap)

	if err := emitter.Emit(context.Background(), &analytics.Event{
		Type: analytics.EventEMAUpdate,
		Shop: "demo.example",
	}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	recs := cap.all()
	if len(recs) != 1 {
		t.Fatalf("captured %d records, want 1", len(recs))
	}
	if recs[0].Timestamp().IsZero() {
		t.Error("zero event timestamp not defaulted")
	}
}

func TestEventEmitter_OmitsEmptyRoutingFields(t *testing.T) {
	cap := &recordCapture{}
	emitter := NewEventEmitterWithLogger(cap)

	if err := emitter.Emit(context.Background(), &analytics.Event{
		Type:    analytics.EventEMAUpdate,
		Shop:    "demo.example",
		AuRaw:   3,
		EmaFast: 2.5,
	}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	attrs := attrsOf(cap.all()[0])
	if _, ok := attrs["visitor_id"]; ok {
		t.Error("visitor_id attribute present for an event with no visitor")
	}
	if _, ok := attrs["session_id"]; ok {
		t.Error("session_id attribute present for an event with no session")
	}
}

func TestEventEmitter_NilProviderIsNoop(t *testing.T) {
	emitter := NewEventEmitter(nil)
	if err := emitter.Emit(context.Background(), &analytics.Event{Type: analytics.EventSessionStarted}); err != nil {
		t.Fatalf("Emit on no-op emitter: %v", err)
	}
}
