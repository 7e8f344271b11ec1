package otel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"shoppulse/backend/internal/analytics"
)

// NewEventEmitter returns an analytics.Emitter that writes events as OTLP log
// records through the given LoggerProvider. It is the analytics transport when
// no Kafka brokers are configured: the collector routes the records instead of
// a topic. A nil provider yields a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) analytics.Emitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger("shoppulse.analytics")}
}

// NewEventEmitterWithLogger is NewEventEmitter over an explicit logger; used
// by tests to capture records without an exporter.
func NewEventEmitterWithLogger(logger otellog.Logger) analytics.Emitter {
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *analytics.Event) error { return nil }

type otelEmitter struct {
	logger otellog.Logger
}

// Emit carries the full event as the record body (JSON, same payload Kafka
// would receive) and lifts the routing fields into attributes so collectors
// can filter without parsing the body.
func (e *otelEmitter) Emit(ctx context.Context, event *analytics.Event) error {
	if event == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("otel: encode event: %w", err)
	}

	ts := event.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var rec otellog.Record
	rec.SetTimestamp(ts)
	rec.SetBody(otellog.BytesValue(payload))
	rec.AddAttributes(otellog.String("event_type", event.Type))
	if event.Shop != "" {
		rec.AddAttributes(otellog.String("shop", event.Shop))
	}
	if event.VisitorID != "" {
		rec.AddAttributes(otellog.String("visitor_id", event.VisitorID))
	}
	if event.SessionID != "" {
		rec.AddAttributes(otellog.String("session_id", event.SessionID))
	}

	e.logger.Emit(ctx, rec)
	return nil
}
