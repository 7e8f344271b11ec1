// Package presence tracks which subjects (visitors, sessions) have been seen
// within a trailing window, per shop. The store is TTL-bound and ephemeral;
// losing it degrades counts to zero rather than failing requests.
package presence

import (
	"context"
	"time"
)

// Kind distinguishes the two tracked subject kinds.
type Kind string

const (
	KindVisitor Kind = "visitor"
	KindSession Kind = "session"
)

// Metadata is the per-subject detail carried alongside the last-seen timestamp.
type Metadata struct {
	PagePath  string `json:"page_path,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	IPHash    string `json:"ip_hash,omitempty"`
}

// Store is the sliding-window membership tracker. A subject has at most one
// live entry per (shop, kind); Refresh replaces, never appends. Timestamps are
// server receive times and never move backwards for a live subject.
type Store interface {
	// Refresh upserts the subject's last-seen timestamp and metadata.
	Refresh(ctx context.Context, shop, subjectID string, kind Kind, ts time.Time, meta Metadata) error
	// ActiveCount returns how many subjects were seen within [now-window, now].
	ActiveCount(ctx context.Context, shop string, kind Kind, window time.Duration) (int, error)
	// EvictExpired removes subjects last seen before cutoff and returns how many were removed.
	// Safe to call concurrently and repeatedly; a no-op when nothing is stale.
	EvictExpired(ctx context.Context, shop string, kind Kind, cutoff time.Time) (int, error)
	// EvictIfStale removes the subject only when its last-seen timestamp
	// predates cutoff, and reports whether it was removed. The single-subject
	// counterpart of EvictExpired: a removal decided on stale information
	// (e.g. a late-fired expiry timer) becomes a no-op instead of dropping a
	// freshly refreshed subject.
	EvictIfStale(ctx context.Context, shop, subjectID string, kind Kind, cutoff time.Time) (bool, error)
	// SetOffline removes the subject immediately, bypassing the TTL wait.
	SetOffline(ctx context.Context, shop, subjectID string, kind Kind) error
	// ActiveShops returns shops that currently hold any presence data,
	// derived from key existence rather than an explicit registry.
	ActiveShops(ctx context.Context) ([]string, error)
}

// CombinedCount returns the shop's active-user count over the window:
// max of the visitor and session counts, since either signal alone may
// undercount due to delivery loss.
func CombinedCount(ctx context.Context, s Store, shop string, window time.Duration) (int, error) {
	visitors, err := s.ActiveCount(ctx, shop, KindVisitor, window)
	if err != nil {
		return 0, err
	}
	sessions, err := s.ActiveCount(ctx, shop, KindSession, window)
	if err != nil {
		return 0, err
	}
	if sessions > visitors {
		return sessions, nil
	}
	return visitors, nil
}
