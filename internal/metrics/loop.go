package metrics

import (
	"context"
	"time"
)

// Loop drives the aggregation on a fixed cadence until the context ends.
type Loop struct {
	svc      *Service
	interval time.Duration
}

// NewLoop returns a tick loop running svc.Tick every interval.
func NewLoop(svc *Service, interval time.Duration) *Loop {
	return &Loop{svc: svc, interval: interval}
}

// Run blocks, ticking until ctx is cancelled. The first tick fires after one
// full interval; slow ticks do not pile up behind each other.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.svc.Tick(ctx)
		}
	}
}
