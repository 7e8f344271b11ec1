// Package repository persists minute-level active-user snapshots.
package repository

import (
	"context"
	"time"
)

// Snapshot is one minute-bucketed active-user row for a shop.
type Snapshot struct {
	Shop     string
	TsMinute time.Time
	AuRaw    int
	EmaFast  float64
	EmaSlow  float64
}

// Repository stores and reads active-user snapshots.
type Repository interface {
	// SaveSnapshot upserts the row for (shop, minute); within a minute the
	// latest tick wins.
	SaveSnapshot(ctx context.Context, s Snapshot) error
	// ListSince returns the shop's snapshots at or after since, oldest first.
	ListSince(ctx context.Context, shop string, since time.Time) ([]Snapshot, error)
}
