package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shoppulse/backend/internal/ema"
	"shoppulse/backend/internal/metrics/repository"
	"shoppulse/backend/internal/presence"
)

type memSnapshots struct {
	mu   sync.Mutex
	rows []repository.Snapshot
}

func (r *memSnapshots) SaveSnapshot(ctx context.Context, s repository.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, row := range r.rows {
		if row.Shop == s.Shop && row.TsMinute.Equal(s.TsMinute) {
			r.rows[i] = s
			return nil
		}
	}
	r.rows = append(r.rows, s)
	return nil
}

func (r *memSnapshots) ListSince(ctx context.Context, shop string, since time.Time) ([]repository.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []repository.Snapshot
	for _, row := range r.rows {
		if row.Shop == shop && !row.TsMinute.Before(since) {
			out = append(out, row)
		}
	}
	return out, nil
}

type memPublisher struct {
	mu      sync.Mutex
	updates []Update
}

func (p *memPublisher) PublishUpdate(ctx context.Context, u Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return nil
}

func (p *memPublisher) last() (Update, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.updates) == 0 {
		return Update{}, false
	}
	return p.updates[len(p.updates)-1], true
}

// failingStore wraps a Store and fails every call once tripped.
type failingStore struct {
	presence.Store
	mu   sync.Mutex
	down bool
}

func (f *failingStore) trip() {
	f.mu.Lock()
	f.down = true
	f.mu.Unlock()
}

func (f *failingStore) isDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func (f *failingStore) ActiveCount(ctx context.Context, shop string, kind presence.Kind, window time.Duration) (int, error) {
	if f.isDown() {
		return 0, errors.New("store unreachable")
	}
	return f.Store.ActiveCount(ctx, shop, kind, window)
}

// failingStates fails Save/Load for one shop only.
type failingStates struct {
	StateStore
	badShop string
}

func (f *failingStates) Load(ctx context.Context, shop string) (ema.State, bool, error) {
	if shop == f.badShop {
		return ema.State{}, false, errors.New("state unavailable")
	}
	return f.StateStore.Load(ctx, shop)
}

func newTestService(store presence.Store) (*Service, *memSnapshots, *memPublisher, *time.Time) {
	repo := &memSnapshots{}
	pub := &memPublisher{}
	svc := NewService(store, NewMemoryStateStore(), repo, pub, nil, nil,
		ema.Params{TauFast: 10 * time.Second, TauSlow: 60 * time.Second, MinAlpha: 0, MaxAlpha: 1},
		time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.nowF = func() time.Time { return now }
	return svc, repo, pub, &now
}

func seedVisitors(t *testing.T, store presence.Store, shop string, n int, ts time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		if err := store.Refresh(ctx, shop, id, presence.KindVisitor, ts, presence.Metadata{}); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	}
}

func TestTick_SeedsStateFromFirstObservation(t *testing.T) {
	store := presence.NewMemoryStore()
	svc, _, pub, now := newTestService(store)
	store.SetNow(func() time.Time { return *now })
	ctx := context.Background()

	seedVisitors(t, store, "shop-a", 5, *now)
	svc.Tick(ctx)

	u, ok := pub.last()
	if !ok {
		t.Fatal("no update published")
	}
	if u.Shop != "shop-a" || u.AuRaw != 5 {
		t.Errorf("update = %+v, want shop-a with au_raw 5", u)
	}
	// First observation seeds both averages at the raw value.
	if u.EmaFast != 5 || u.EmaSlow != 5 {
		t.Errorf("fast=%v slow=%v, want 5/5 on seed", u.EmaFast, u.EmaSlow)
	}
	if u.Trend != string(ema.TrendStable) {
		t.Errorf("trend = %q, want stable on seed", u.Trend)
	}
}

func TestTick_FastReactsBeforeSlow(t *testing.T) {
	store := presence.NewMemoryStore()
	svc, _, pub, now := newTestService(store)
	store.SetNow(func() time.Time { return *now })
	ctx := context.Background()

	seedVisitors(t, store, "shop-a", 2, *now)
	svc.Tick(ctx)

	// Jump to 20 visitors over the next few ticks.
	for i := 0; i < 3; i++ {
		*now = now.Add(10 * time.Second)
		seedVisitors(t, store, "shop-a", 20, *now)
		svc.Tick(ctx)
	}

	u, _ := pub.last()
	if u.EmaFast <= u.EmaSlow {
		t.Errorf("fast=%v slow=%v, want fast above slow on a rising series", u.EmaFast, u.EmaSlow)
	}
	if u.Trend != string(ema.TrendUp) {
		t.Errorf("trend = %q, want up", u.Trend)
	}
}

func TestTick_EvictsStaleBeforeCounting(t *testing.T) {
	store := presence.NewMemoryStore()
	svc, _, pub, now := newTestService(store)
	store.SetNow(func() time.Time { return *now })
	ctx := context.Background()

	store.Refresh(ctx, "shop-a", "stale", presence.KindVisitor, now.Add(-2*time.Hour), presence.Metadata{})
	store.Refresh(ctx, "shop-a", "live", presence.KindVisitor, *now, presence.Metadata{})

	svc.Tick(ctx)

	u, _ := pub.last()
	if u.AuRaw != 1 {
		t.Errorf("au_raw = %d, want 1 after stale eviction", u.AuRaw)
	}
	n, _ := store.ActiveCount(ctx, "shop-a", presence.KindVisitor, 24*time.Hour)
	if n != 1 {
		t.Errorf("store still holds %d visitors, want 1", n)
	}
}

func TestTick_SnapshotsPerMinute(t *testing.T) {
	store := presence.NewMemoryStore()
	svc, repo, _, now := newTestService(store)
	store.SetNow(func() time.Time { return *now })
	ctx := context.Background()

	seedVisitors(t, store, "shop-a", 3, *now)
	svc.Tick(ctx)
	// Second tick within the same minute overwrites the row.
	*now = now.Add(10 * time.Second)
	seedVisitors(t, store, "shop-a", 4, *now)
	svc.Tick(ctx)

	rows, err := repo.ListSince(ctx, "shop-a", time.Time{})
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d snapshot rows, want 1 (same minute)", len(rows))
	}
	if rows[0].AuRaw != 4 {
		t.Errorf("au_raw = %d, want 4 (last tick wins)", rows[0].AuRaw)
	}

	*now = now.Add(time.Minute)
	seedVisitors(t, store, "shop-a", 4, *now)
	svc.Tick(ctx)
	rows, _ = repo.ListSince(ctx, "shop-a", time.Time{})
	if len(rows) != 2 {
		t.Errorf("got %d snapshot rows after minute rollover, want 2", len(rows))
	}
}

func TestTick_OneBadShopDoesNotStallOthers(t *testing.T) {
	store := presence.NewMemoryStore()
	svc, _, pub, now := newTestService(store)
	store.SetNow(func() time.Time { return *now })
	svc.states = &failingStates{StateStore: svc.states, badShop: "shop-bad"}
	ctx := context.Background()

	seedVisitors(t, store, "shop-bad", 2, *now)
	seedVisitors(t, store, "shop-ok", 3, *now)
	svc.Tick(ctx)

	found := false
	pub.mu.Lock()
	for _, u := range pub.updates {
		if u.Shop == "shop-bad" {
			t.Errorf("published update for failing shop: %+v", u)
		}
		if u.Shop == "shop-ok" {
			found = true
		}
	}
	pub.mu.Unlock()
	if !found {
		t.Error("healthy shop got no update")
	}
}

func TestGetActiveUsers_ServesLastKnownWhenStoreDown(t *testing.T) {
	mem := presence.NewMemoryStore()
	wrapped := &failingStore{Store: mem}
	svc, _, _, now := newTestService(wrapped)
	mem.SetNow(func() time.Time { return *now })
	ctx := context.Background()

	seedVisitors(t, mem, "shop-a", 7, *now)
	svc.Tick(ctx)

	wrapped.trip()
	got, err := svc.GetActiveUsers(ctx, "shop-a")
	if err != nil {
		t.Fatalf("GetActiveUsers: %v", err)
	}
	if got.AuRaw != 7 {
		t.Errorf("au_raw = %d, want last known 7", got.AuRaw)
	}
}

func TestGetActiveUsers_UnknownShopReadsZeroStable(t *testing.T) {
	mem := presence.NewMemoryStore()
	wrapped := &failingStore{Store: mem}
	wrapped.trip()
	svc, _, _, _ := newTestService(wrapped)

	got, err := svc.GetActiveUsers(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("GetActiveUsers: %v", err)
	}
	if got.AuRaw != 0 || got.Trend != ema.TrendStable {
		t.Errorf("got %+v, want zero count with stable trend", got)
	}
}

func TestGetActiveUsers_DoesNotAdvanceState(t *testing.T) {
	store := presence.NewMemoryStore()
	svc, _, _, now := newTestService(store)
	store.SetNow(func() time.Time { return *now })
	ctx := context.Background()

	seedVisitors(t, store, "shop-a", 5, *now)
	svc.Tick(ctx)
	before, _, _ := svc.states.Load(ctx, "shop-a")

	*now = now.Add(30 * time.Second)
	if _, err := svc.GetActiveUsers(ctx, "shop-a"); err != nil {
		t.Fatalf("GetActiveUsers: %v", err)
	}

	after, _, _ := svc.states.Load(ctx, "shop-a")
	if before != after {
		t.Errorf("read mutated state: %+v -> %+v", before, after)
	}
}
