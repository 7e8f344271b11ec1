// Package metrics runs the periodic aggregation: it reads raw active counts,
// advances the shared smoothing state, persists minute snapshots, and
// publishes live updates to subscribers.
package metrics

import (
	"context"

	"shoppulse/backend/internal/ema"
)

// StateStore holds the per-shop EMA state in the coordination store so any
// instance can run the tick loop.
type StateStore interface {
	// Load returns the shop's state and whether one exists.
	Load(ctx context.Context, shop string) (ema.State, bool, error)
	// Save replaces the shop's state.
	Save(ctx context.Context, shop string, s ema.State) error
}
