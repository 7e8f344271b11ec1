// Package heartbeat is the server-side counterpart of the client activity
// signal: it refreshes presence, drives the session decision, and arms a
// per-visitor fallback expiry timer independent of the store's TTL sweep.
package heartbeat

import (
	"context"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"shoppulse/backend/internal/presence"
	"shoppulse/backend/internal/security"
	"shoppulse/backend/internal/session"
	"shoppulse/backend/internal/session/tracker"
	"shoppulse/backend/internal/telemetry"
)

// SessionRecorder is the slice of the session service the manager needs.
type SessionRecorder interface {
	RecordActivity(ctx context.Context, act session.Activity, now time.Time) (tracker.Transition, error)
	EndCurrent(ctx context.Context, shop, visitorID string, now time.Time) (string, error)
}

// Signal is one validated heartbeat or unload from the boundary.
type Signal struct {
	Shop      string
	VisitorID string
	SessionID string // optional client-known session id
	PagePath  string
	Referrer  string
	UserAgent string
	ClientIP  string
}

// HeartbeatResult is the response contract for a processed heartbeat.
type HeartbeatResult struct {
	SessionID      string
	NextIntervalMS int64
}

// opTimeout bounds the store round-trips made from timer callbacks, which
// have no request context of their own.
const opTimeout = 2 * time.Second

// Manager processes heartbeats and unload signals. The only in-process
// mutable state is the fallback timer map; everything else coordinates
// through the shared store.
type Manager struct {
	store    presence.Store
	sessions SessionRecorder
	hasher   *security.IPHasher
	inst     *telemetry.Instruments

	baseInterval time.Duration
	ttl          time.Duration

	mu     sync.Mutex
	timers map[string]*expiryTimer
	closed bool

	nowF func() time.Time
}

// NewManager returns a heartbeat manager. baseInterval is the client cadence
// returned (jittered) on every heartbeat; ttl is the presence window used for
// the fallback expiry timers. hasher and inst may be nil.
func NewManager(store presence.Store, sessions SessionRecorder, hasher *security.IPHasher, inst *telemetry.Instruments, baseInterval, ttl time.Duration) *Manager {
	return &Manager{
		store:        store,
		sessions:     sessions,
		hasher:       hasher,
		inst:         inst,
		baseInterval: baseInterval,
		ttl:          ttl,
		timers:       make(map[string]*expiryTimer),
		nowF:         func() time.Time { return time.Now().UTC() },
	}
}

// ProcessHeartbeat applies one activity signal. The event is stamped with the
// server receive time; a client-supplied timestamp is never trusted. Store
// failures degrade (logged, presence skipped) rather than failing the call.
func (m *Manager) ProcessHeartbeat(ctx context.Context, sig Signal) (HeartbeatResult, error) {
	now := m.nowF()
	meta := presence.Metadata{
		PagePath:  sig.PagePath,
		UserAgent: sig.UserAgent,
		IPHash:    m.hashIP(sig.ClientIP),
	}

	if err := m.store.Refresh(ctx, sig.Shop, sig.VisitorID, presence.KindVisitor, now, meta); err != nil {
		log.Printf("heartbeat: refresh visitor %s/%s: %v", sig.Shop, sig.VisitorID, err)
	}

	sessionID := sig.SessionID
	tr, err := m.sessions.RecordActivity(ctx, session.Activity{
		Shop:      sig.Shop,
		VisitorID: sig.VisitorID,
		PagePath:  sig.PagePath,
		Referrer:  sig.Referrer,
		UserAgent: sig.UserAgent,
		IPHash:    meta.IPHash,
	}, now)
	if err != nil {
		// Degraded: keep serving with the client-known session id.
		log.Printf("heartbeat: session decision %s/%s: %v", sig.Shop, sig.VisitorID, err)
	} else {
		sessionID = tr.Current.SessionID
		switch tr.Outcome {
		case tracker.OutcomeStarted:
			m.inst.CountSessionStarted(ctx, sig.Shop)
		case tracker.OutcomeRotated:
			m.inst.CountSessionStarted(ctx, sig.Shop)
			m.inst.CountSessionClosed(ctx, sig.Shop, "idle_gap")
		}
	}

	if sessionID != "" {
		if err := m.store.Refresh(ctx, sig.Shop, sessionID, presence.KindSession, now, meta); err != nil {
			log.Printf("heartbeat: refresh session %s/%s: %v", sig.Shop, sessionID, err)
		}
	}

	m.armTimer(sig.Shop, sig.VisitorID)
	m.inst.CountHeartbeat(ctx, sig.Shop)

	return HeartbeatResult{SessionID: sessionID, NextIntervalMS: m.nextIntervalMS()}, nil
}

// ProcessUnload marks the visitor and session offline immediately and closes
// the current session, short-circuiting the TTL wait. Best-effort transport
// means this may never arrive; the timers and sweeps cover that case.
func (m *Manager) ProcessUnload(ctx context.Context, sig Signal) error {
	now := m.nowF()
	m.cancelTimer(sig.Shop, sig.VisitorID)

	if err := m.store.SetOffline(ctx, sig.Shop, sig.VisitorID, presence.KindVisitor); err != nil {
		log.Printf("heartbeat: offline visitor %s/%s: %v", sig.Shop, sig.VisitorID, err)
	}

	closedID, err := m.sessions.EndCurrent(ctx, sig.Shop, sig.VisitorID, now)
	if err != nil {
		log.Printf("heartbeat: end session %s/%s: %v", sig.Shop, sig.VisitorID, err)
	}
	if closedID != "" {
		m.inst.CountSessionClosed(ctx, sig.Shop, "unload")
	}

	sessionID := closedID
	if sessionID == "" {
		sessionID = sig.SessionID
	}
	if sessionID != "" {
		if err := m.store.SetOffline(ctx, sig.Shop, sessionID, presence.KindSession); err != nil {
			log.Printf("heartbeat: offline session %s/%s: %v", sig.Shop, sessionID, err)
		}
	}

	m.inst.CountUnload(ctx, sig.Shop)
	return nil
}

// NextIntervalMS returns the base heartbeat interval jittered ±20% so many
// tabs do not synchronize their heartbeats.
func (m *Manager) nextIntervalMS() int64 {
	base := float64(m.baseInterval.Milliseconds())
	return int64(base * (0.8 + 0.4*rand.Float64()))
}

func (m *Manager) hashIP(ip string) string {
	if m.hasher == nil {
		return ""
	}
	return m.hasher.Hash(ip)
}

func timerKey(shop, visitorID string) string {
	return shop + "\x00" + visitorID
}

// expiryTimer wraps one armed fallback timer. The callback captures the
// handle, not the *time.Timer, so the handle exists before the timer starts
// and the callback can identify itself without touching the timer field.
type expiryTimer struct {
	timer *time.Timer // written and read only under Manager.mu
}

// armTimer (re)arms the visitor's fallback expiry timer. Whichever fires
// first, this timer or the store's own eviction, marks the visitor offline.
// The callback carries its own handle so a firing that lost the race to a
// re-arm can recognize itself as superseded: Stop does not cancel a callback
// already queued.
func (m *Manager) armTimer(shop, visitorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	key := timerKey(shop, visitorID)
	if h, ok := m.timers[key]; ok {
		h.timer.Stop()
	}
	h := &expiryTimer{}
	h.timer = time.AfterFunc(m.ttl, func() {
		m.expireVisitor(shop, visitorID, h)
	})
	m.timers[key] = h
}

func (m *Manager) cancelTimer(shop, visitorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := timerKey(shop, visitorID)
	if h, ok := m.timers[key]; ok {
		h.timer.Stop()
		delete(m.timers, key)
	}
}

// expireVisitor is the fallback timer callback. Two guards keep a late firing
// harmless: the map must still hold this exact timer (a re-arm replaced it
// otherwise, and its entry must stay), and the store removal is conditional on
// the visitor actually being stale, so a heartbeat that landed after the
// firing was queued wins. Session presence is not touched here: the current
// session id at fire time is unknowable from arm-time state, and the window
// count plus the tick loop's eviction already age sessions out.
func (m *Manager) expireVisitor(shop, visitorID string, self *expiryTimer) {
	key := timerKey(shop, visitorID)
	m.mu.Lock()
	if cur, ok := m.timers[key]; !ok || cur != self {
		m.mu.Unlock()
		return
	}
	delete(m.timers, key)
	now := m.nowF()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := m.store.EvictIfStale(ctx, shop, visitorID, presence.KindVisitor, now.Add(-m.ttl)); err != nil {
		log.Printf("heartbeat: expire visitor %s/%s: %v", shop, visitorID, err)
	}
}

// Shutdown stops and drains all pending fallback timers. No new timers are
// armed afterwards; heartbeats already in flight still complete.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for key, h := range m.timers {
		h.timer.Stop()
		delete(m.timers, key)
	}
}
