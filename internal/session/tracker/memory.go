package tracker

import (
	"context"
	"sync"
	"time"
)

// MemoryTracker implements Tracker in process. A single mutex serializes every
// transition, the in-memory equivalent of the Redis script's atomicity. Used
// in tests and single-process development runs.
type MemoryTracker struct {
	mu sync.Mutex
	m  map[string]*memCurrent
}

type memCurrent struct {
	shop      string
	visitorID string
	cur       Current
}

// NewMemoryTracker returns a new in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{m: make(map[string]*memCurrent)}
}

func memKey(shop, visitorID string) string {
	return shop + "\x00" + visitorID
}

// Apply runs the transition rule under the tracker mutex.
func (t *MemoryTracker) Apply(ctx context.Context, shop, visitorID, newSessionID, page string, now time.Time, gap time.Duration) (Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := memKey(shop, visitorID)
	entry, ok := t.m[key]
	if !ok {
		cur := newCurrent(newSessionID, page, now)
		t.m[key] = &memCurrent{shop: shop, visitorID: visitorID, cur: cur}
		return Transition{Outcome: OutcomeStarted, Current: cur}, nil
	}

	if now.Sub(entry.cur.LastActivity) < gap {
		entry.cur.LastActivity = now
		entry.cur.LastPage = page
		entry.cur.PageCount++
		return Transition{Outcome: OutcomeContinued, Current: entry.cur}, nil
	}

	closed := entry.cur
	cur := newCurrent(newSessionID, page, now)
	t.m[key] = &memCurrent{shop: shop, visitorID: visitorID, cur: cur}
	return Transition{Outcome: OutcomeRotated, Current: cur, Closed: &closed}, nil
}

// End removes and returns the visitor's current session, or nil when absent.
func (t *MemoryTracker) End(ctx context.Context, shop, visitorID string) (*Current, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := memKey(shop, visitorID)
	entry, ok := t.m[key]
	if !ok {
		return nil, nil
	}
	delete(t.m, key)
	cur := entry.cur
	return &cur, nil
}

// SweepIdle removes sessions idle past gap and returns them.
func (t *MemoryTracker) SweepIdle(ctx context.Context, now time.Time, gap time.Duration) ([]Idle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Idle
	for key, entry := range t.m {
		if now.Sub(entry.cur.LastActivity) >= gap {
			out = append(out, Idle{Shop: entry.shop, VisitorID: entry.visitorID, Session: entry.cur})
			delete(t.m, key)
		}
	}
	return out, nil
}

func newCurrent(sessionID, page string, now time.Time) Current {
	return Current{
		SessionID:    sessionID,
		StartedAt:    now,
		LastActivity: now,
		FirstPage:    page,
		LastPage:     page,
		PageCount:    1,
	}
}
