package metrics

import (
	"context"
	"log"
	"sync"
	"time"

	"shoppulse/backend/internal/analytics"
	"shoppulse/backend/internal/ema"
	"shoppulse/backend/internal/metrics/repository"
	"shoppulse/backend/internal/presence"
	"shoppulse/backend/internal/telemetry"
)

// ActiveUsers is the read-model answer for a shop's current activity.
type ActiveUsers struct {
	Shop          string
	AuRaw         int
	EmaFast       float64
	EmaSlow       float64
	Trend         ema.Trend
	TrendStrength float64
	WindowSeconds int
	UpdatedAt     time.Time
}

// Service owns the per-shop aggregation: it advances smoothing state on every
// tick and answers reads, falling back to the last good answer when the
// presence store is unreachable.
type Service struct {
	store   presence.Store
	states  StateStore
	repo    repository.Repository // optional
	pub     Publisher             // optional
	emitter analytics.Emitter     // optional
	inst    *telemetry.Instruments

	params ema.Params
	window time.Duration

	mu       sync.RWMutex
	lastGood map[string]ActiveUsers

	nowF func() time.Time
}

// NewService returns a metrics service. repo, pub, emitter and inst may be nil;
// window is the presence window the counts are taken over.
func NewService(store presence.Store, states StateStore, repo repository.Repository, pub Publisher, emitter analytics.Emitter, inst *telemetry.Instruments, params ema.Params, window time.Duration) *Service {
	return &Service{
		store:    store,
		states:   states,
		repo:     repo,
		pub:      pub,
		emitter:  emitter,
		inst:     inst,
		params:   params,
		window:   window,
		lastGood: make(map[string]ActiveUsers),
		nowF:     func() time.Time { return time.Now().UTC() },
	}
}

// GetActiveUsers answers a read for one shop. Reads never advance the
// smoothing state; that is the tick's job. When the store is unreachable the
// last good answer for the shop is returned instead of an error.
func (s *Service) GetActiveUsers(ctx context.Context, shop string) (ActiveUsers, error) {
	count, err := presence.CombinedCount(ctx, s.store, shop, s.window)
	if err != nil {
		log.Printf("metrics: count %s: %v", shop, err)
		return s.lastKnown(shop), nil
	}

	st, ok, err := s.states.Load(ctx, shop)
	if err != nil {
		log.Printf("metrics: load state %s: %v", shop, err)
		return s.lastKnown(shop), nil
	}
	if !ok {
		// No tick has run for this shop yet; the raw count is the best answer.
		st = ema.NewState(float64(count), s.nowF())
	}

	trend, strength := st.Classify()
	out := ActiveUsers{
		Shop:          shop,
		AuRaw:         count,
		EmaFast:       st.Fast,
		EmaSlow:       st.Slow,
		Trend:         trend,
		TrendStrength: strength,
		WindowSeconds: int(s.window.Seconds()),
		UpdatedAt:     s.nowF(),
	}
	s.remember(out)
	return out, nil
}

// ListSnapshots returns the shop's persisted minute snapshots at or after since.
func (s *Service) ListSnapshots(ctx context.Context, shop string, since time.Time) ([]repository.Snapshot, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.ListSince(ctx, shop, since)
}

// Tick runs one aggregation pass over every shop with live presence data.
// A failing shop is logged and skipped; one bad tenant never stalls the rest.
func (s *Service) Tick(ctx context.Context) {
	start := s.nowF()
	defer func() { s.inst.RecordTick(ctx, s.nowF().Sub(start)) }()

	shops, err := s.store.ActiveShops(ctx)
	if err != nil {
		log.Printf("metrics: discover shops: %v", err)
		return
	}
	for _, shop := range shops {
		if err := s.tickShop(ctx, shop, start); err != nil {
			log.Printf("metrics: tick %s: %v", shop, err)
		}
	}
}

func (s *Service) tickShop(ctx context.Context, shop string, now time.Time) error {
	cutoff := now.Add(-s.window)
	for _, kind := range []presence.Kind{presence.KindVisitor, presence.KindSession} {
		if _, err := s.store.EvictExpired(ctx, shop, kind, cutoff); err != nil {
			return err
		}
	}

	count, err := presence.CombinedCount(ctx, s.store, shop, s.window)
	if err != nil {
		return err
	}

	st, _, err := s.states.Load(ctx, shop)
	if err != nil {
		return err
	}
	// Advance self-heals: a missing or corrupted state reseeds from the raw
	// count, and dt comes from the state's own last timestamp, not the tick
	// cadence, so skipped ticks smooth correctly.
	st = st.Advance(float64(count), now, s.params)
	if err := s.states.Save(ctx, shop, st); err != nil {
		return err
	}

	trend, strength := st.Classify()
	s.remember(ActiveUsers{
		Shop:          shop,
		AuRaw:         count,
		EmaFast:       st.Fast,
		EmaSlow:       st.Slow,
		Trend:         trend,
		TrendStrength: strength,
		WindowSeconds: int(s.window.Seconds()),
		UpdatedAt:     now,
	})

	if s.repo != nil {
		err := s.repo.SaveSnapshot(ctx, repository.Snapshot{
			Shop:     shop,
			TsMinute: now.Truncate(time.Minute),
			AuRaw:    count,
			EmaFast:  st.Fast,
			EmaSlow:  st.Slow,
		})
		if err != nil {
			log.Printf("metrics: snapshot %s: %v", shop, err)
		}
	}
	if s.pub != nil {
		err := s.pub.PublishUpdate(ctx, Update{
			Type:      analytics.EventEMAUpdate,
			Shop:      shop,
			AuRaw:     count,
			EmaFast:   st.Fast,
			EmaSlow:   st.Slow,
			Trend:     string(trend),
			Timestamp: now,
		})
		if err != nil {
			log.Printf("metrics: publish %s: %v", shop, err)
		}
	}
	if s.emitter != nil {
		err := s.emitter.Emit(ctx, &analytics.Event{
			Type:      analytics.EventEMAUpdate,
			Shop:      shop,
			AuRaw:     count,
			EmaFast:   st.Fast,
			EmaSlow:   st.Slow,
			Trend:     string(trend),
			CreatedAt: now,
		})
		if err != nil {
			log.Printf("metrics: emit %s: %v", shop, err)
		}
	}
	return nil
}

func (s *Service) remember(a ActiveUsers) {
	s.mu.Lock()
	s.lastGood[a.Shop] = a
	s.mu.Unlock()
}

func (s *Service) lastKnown(shop string) ActiveUsers {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.lastGood[shop]; ok {
		return a
	}
	return ActiveUsers{
		Shop:          shop,
		Trend:         ema.TrendStable,
		WindowSeconds: int(s.window.Seconds()),
	}
}
