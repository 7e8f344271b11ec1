// Package tracker owns the session identity decision: whether an activity
// signal continues the visitor's current session or starts a new one after an
// idle gap. The whole read-decide-write sequence executes as one atomic
// operation against the coordination store, so concurrent heartbeats for the
// same visitor can never continue an already-closed session or create two.
package tracker

import (
	"context"
	"time"
)

// Outcome is the result kind of a transition.
type Outcome string

const (
	// OutcomeStarted means no current session existed; a new one was created.
	OutcomeStarted Outcome = "started"
	// OutcomeContinued means the activity arrived within the gap threshold.
	OutcomeContinued Outcome = "continued"
	// OutcomeRotated means the old session was closed (idle gap exceeded) and
	// a new one created in the same operation.
	OutcomeRotated Outcome = "rotated"
)

// Current is the live state of a visitor's current session held in the
// coordination store.
type Current struct {
	SessionID    string
	StartedAt    time.Time
	LastActivity time.Time
	FirstPage    string
	LastPage     string
	PageCount    int
}

// Transition is the outcome of applying one activity signal.
type Transition struct {
	Outcome Outcome
	Current Current
	// Closed is the prior session state when Outcome is OutcomeRotated; nil otherwise.
	Closed *Current
}

// Idle pairs a timed-out session with its owner, as found by the sweep.
type Idle struct {
	Shop      string
	VisitorID string
	Session   Current
}

// Tracker is the current-session pointer store. Implementations must make
// Apply and End atomic per (shop, visitor).
type Tracker interface {
	// Apply runs the transition rule for one activity signal received at now.
	// newSessionID is the id to assign if a new session is warranted; it is
	// ignored on continuation. gap is the idle threshold.
	Apply(ctx context.Context, shop, visitorID, newSessionID, page string, now time.Time, gap time.Duration) (Transition, error)
	// End removes the visitor's current session and returns its final state,
	// or nil if no current session existed.
	End(ctx context.Context, shop, visitorID string) (*Current, error)
	// SweepIdle finds sessions whose last activity predates now-gap, removes
	// them, and returns their final state. Each removal is atomic against a
	// concurrent Apply for the same visitor.
	SweepIdle(ctx context.Context, now time.Time, gap time.Duration) ([]Idle, error)
}
