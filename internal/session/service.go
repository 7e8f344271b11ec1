// Package session coordinates the session state machine with durable storage:
// the tracker decides identity atomically, this service persists the lifecycle.
package session

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"shoppulse/backend/internal/analytics"
	"shoppulse/backend/internal/session/domain"
	"shoppulse/backend/internal/session/repository"
	"shoppulse/backend/internal/session/tracker"
)

// Activity is one validated activity signal from the boundary.
type Activity struct {
	Shop      string
	VisitorID string
	PagePath  string
	Referrer  string
	UserAgent string
	IPHash    string
}

// Service applies activity signals to the tracker and mirrors session
// lifecycle into durable storage. Durable writes are best-effort: a failed
// write is logged and never fails the heartbeat.
type Service struct {
	tracker tracker.Tracker
	repo    repository.Repository // nil disables durable persistence
	gap     time.Duration
	emitter analytics.Emitter // nil disables analytics export
}

// NewService returns a session service. repo and emitter may be nil.
func NewService(tr tracker.Tracker, repo repository.Repository, gap time.Duration, emitter analytics.Emitter) *Service {
	return &Service{tracker: tr, repo: repo, gap: gap, emitter: emitter}
}

// Gap returns the configured idle-gap threshold.
func (s *Service) Gap() time.Duration {
	return s.gap
}

// RecordActivity runs the session transition for one activity signal received
// at now (server time) and persists the resulting lifecycle changes.
func (s *Service) RecordActivity(ctx context.Context, act Activity, now time.Time) (tracker.Transition, error) {
	tr, err := s.tracker.Apply(ctx, act.Shop, act.VisitorID, uuid.New().String(), act.PagePath, now, s.gap)
	if err != nil {
		return tracker.Transition{}, err
	}

	switch tr.Outcome {
	case tracker.OutcomeStarted:
		s.persistStart(ctx, act, tr.Current)
	case tracker.OutcomeContinued:
		s.persistTouch(ctx, tr.Current)
	case tracker.OutcomeRotated:
		s.persistClose(ctx, act.Shop, act.VisitorID, *tr.Closed, tr.Closed.LastActivity, domain.EndReasonIdleGap)
		s.persistStart(ctx, act, tr.Current)
	}
	return tr, nil
}

// EndCurrent closes the visitor's current session on an explicit unload signal.
// The session ends at now regardless of the next heartbeat's gap calculation.
// Returns the closed session id, or "" when no session was open.
func (s *Service) EndCurrent(ctx context.Context, shop, visitorID string, now time.Time) (string, error) {
	cur, err := s.tracker.End(ctx, shop, visitorID)
	if err != nil {
		return "", err
	}
	if cur == nil {
		return "", nil
	}
	s.persistClose(ctx, shop, visitorID, *cur, now, domain.EndReasonUnload)
	return cur.SessionID, nil
}

// SweepExpired force-closes sessions idle past the gap threshold and persists
// the closures. Returns how many sessions were closed.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	idle, err := s.tracker.SweepIdle(ctx, now, s.gap)
	if err != nil {
		return 0, err
	}
	for _, it := range idle {
		s.persistClose(ctx, it.Shop, it.VisitorID, it.Session, it.Session.LastActivity, domain.EndReasonTimeout)
	}
	return len(idle), nil
}

func (s *Service) persistStart(ctx context.Context, act Activity, cur tracker.Current) {
	if s.repo != nil {
		rec := &domain.Record{
			ID:        cur.SessionID,
			Shop:      act.Shop,
			VisitorID: act.VisitorID,
			StartedAt: cur.StartedAt,
			FirstPage: cur.FirstPage,
			LastPage:  cur.LastPage,
			Referrer:  act.Referrer,
			UserAgent: act.UserAgent,
			IPHash:    act.IPHash,
			PageCount: cur.PageCount,
		}
		if err := s.repo.Create(ctx, rec); err != nil {
			log.Printf("session: persist start %s: %v", cur.SessionID, err)
		}
	}
	analytics.EmitAsync(s.emitter, ctx, &analytics.Event{
		Type:      analytics.EventSessionStarted,
		Shop:      act.Shop,
		VisitorID: act.VisitorID,
		SessionID: cur.SessionID,
		CreatedAt: cur.StartedAt,
	})
}

func (s *Service) persistTouch(ctx context.Context, cur tracker.Current) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Touch(ctx, cur.SessionID, cur.LastPage, cur.PageCount); err != nil {
		log.Printf("session: persist touch %s: %v", cur.SessionID, err)
	}
}

func (s *Service) persistClose(ctx context.Context, shop, visitorID string, cur tracker.Current, endedAt time.Time, reason domain.EndReason) {
	duration := endedAt.Sub(cur.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	if s.repo != nil {
		rec := &domain.Record{
			ID:         cur.SessionID,
			Shop:       shop,
			VisitorID:  visitorID,
			StartedAt:  cur.StartedAt,
			EndedAt:    &endedAt,
			FirstPage:  cur.FirstPage,
			LastPage:   cur.LastPage,
			DurationMS: &duration,
			PageCount:  cur.PageCount,
			IsEnded:    true,
			EndReason:  reason,
		}
		if err := s.repo.Close(ctx, rec); err != nil {
			log.Printf("session: persist close %s: %v", cur.SessionID, err)
		}
	}
	analytics.EmitAsync(s.emitter, ctx, &analytics.Event{
		Type:       analytics.EventSessionEnded,
		Shop:       shop,
		VisitorID:  visitorID,
		SessionID:  cur.SessionID,
		DurationMS: duration,
		PageCount:  cur.PageCount,
		CreatedAt:  endedAt,
	})
}
