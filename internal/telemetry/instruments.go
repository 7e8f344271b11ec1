// Package telemetry holds the app meter instruments for the heartbeat server.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments bundles the counters and histograms recorded by the core.
// A nil *Instruments is valid and records nothing.
type Instruments struct {
	heartbeats      metric.Int64Counter
	unloads         metric.Int64Counter
	sessionsStarted metric.Int64Counter
	sessionsClosed  metric.Int64Counter
	tickDuration    metric.Float64Histogram
}

// NewInstruments creates the app instruments on the given meter provider.
func NewInstruments(mp metric.MeterProvider) (*Instruments, error) {
	meter := mp.Meter("shoppulse/backend")

	heartbeats, err := meter.Int64Counter("shoppulse.heartbeats",
		metric.WithDescription("Heartbeats processed"))
	if err != nil {
		return nil, err
	}
	unloads, err := meter.Int64Counter("shoppulse.unloads",
		metric.WithDescription("Unload signals processed"))
	if err != nil {
		return nil, err
	}
	started, err := meter.Int64Counter("shoppulse.sessions.started",
		metric.WithDescription("Sessions started"))
	if err != nil {
		return nil, err
	}
	closed, err := meter.Int64Counter("shoppulse.sessions.closed",
		metric.WithDescription("Sessions closed"))
	if err != nil {
		return nil, err
	}
	tickDuration, err := meter.Float64Histogram("shoppulse.tick.duration",
		metric.WithDescription("Aggregation tick duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		heartbeats:      heartbeats,
		unloads:         unloads,
		sessionsStarted: started,
		sessionsClosed:  closed,
		tickDuration:    tickDuration,
	}, nil
}

// CountHeartbeat records one processed heartbeat for the shop.
func (i *Instruments) CountHeartbeat(ctx context.Context, shop string) {
	if i == nil {
		return
	}
	i.heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("shop", shop)))
}

// CountUnload records one processed unload signal for the shop.
func (i *Instruments) CountUnload(ctx context.Context, shop string) {
	if i == nil {
		return
	}
	i.unloads.Add(ctx, 1, metric.WithAttributes(attribute.String("shop", shop)))
}

// CountSessionStarted records one session start for the shop.
func (i *Instruments) CountSessionStarted(ctx context.Context, shop string) {
	if i == nil {
		return
	}
	i.sessionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("shop", shop)))
}

// CountSessionClosed records one session close for the shop with its reason.
func (i *Instruments) CountSessionClosed(ctx context.Context, shop, reason string) {
	if i == nil {
		return
	}
	i.sessionsClosed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("shop", shop),
		attribute.String("reason", reason),
	))
}

// RecordTick records one aggregation tick's duration.
func (i *Instruments) RecordTick(ctx context.Context, d time.Duration) {
	if i == nil {
		return
	}
	i.tickDuration.Record(ctx, d.Seconds())
}
