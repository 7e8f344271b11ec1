// Package domain holds the durable session types.
package domain

import "time"

// EndReason records why a session was closed.
type EndReason string

const (
	// EndReasonUnload is an explicit close from a page-unload signal.
	EndReasonUnload EndReason = "unload"
	// EndReasonTimeout is a close forced by the cleanup sweep after the idle TTL.
	EndReasonTimeout EndReason = "timeout"
	// EndReasonIdleGap is a close performed when the visitor returned after the
	// gap threshold and a new session replaced the old one.
	EndReasonIdleGap EndReason = "idle_gap"
)

// Record is a session lifecycle row. Created on session start, mutated on
// every continuing heartbeat, closed exactly once.
type Record struct {
	ID         string
	Shop       string
	VisitorID  string
	StartedAt  time.Time
	EndedAt    *time.Time // nil while the session is open
	FirstPage  string
	LastPage   string
	Referrer   string
	UserAgent  string
	IPHash     string
	DurationMS *int64 // nil while the session is open
	PageCount  int
	IsEnded    bool
	EndReason  EndReason
}

// VisitorCounts is the per-visitor accumulator of session totals and duration
// statistics. It is not a cache: it has no TTL and is only ever updated
// incrementally, transactionally alongside session end.
type VisitorCounts struct {
	Shop          string
	VisitorID     string
	SessionCount  int
	AvgDurationMS int64
	MinDurationMS int64
	MaxDurationMS int64
	UpdatedAt     time.Time
}
