package presence

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	lastSeen time.Time
	meta     Metadata
}

// MemoryStore is an in-memory Store implementation used in tests and
// single-process development runs.
type MemoryStore struct {
	mu   sync.RWMutex
	m    map[string]map[string]memEntry // (shop+kind) -> subject -> entry
	nowF func() time.Time
}

// NewMemoryStore returns a new in-memory presence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m:    make(map[string]map[string]memEntry),
		nowF: func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the store clock; used by tests.
func (s *MemoryStore) SetNow(nowF func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowF = nowF
}

func bucketKey(shop string, kind Kind) string {
	return shop + "\x00" + string(kind)
}

// Refresh upserts the subject's entry. An older timestamp never replaces a
// newer one, mirroring the ZADD GT semantics of the Redis store.
func (s *MemoryStore) Refresh(ctx context.Context, shop, subjectID string, kind Kind, ts time.Time, meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.m[bucketKey(shop, kind)]
	if b == nil {
		b = make(map[string]memEntry)
		s.m[bucketKey(shop, kind)] = b
	}
	if prev, ok := b[subjectID]; ok && prev.lastSeen.After(ts) {
		return nil
	}
	b[subjectID] = memEntry{lastSeen: ts, meta: meta}
	return nil
}

// ActiveCount counts subjects last seen within [now-window, now].
func (s *MemoryStore) ActiveCount(ctx context.Context, shop string, kind Kind, window time.Duration) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.nowF().Add(-window)
	n := 0
	for _, e := range s.m[bucketKey(shop, kind)] {
		if !e.lastSeen.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// EvictExpired removes subjects last seen strictly before cutoff.
func (s *MemoryStore) EvictExpired(ctx context.Context, shop string, kind Kind, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.m[bucketKey(shop, kind)]
	removed := 0
	for id, e := range b {
		if e.lastSeen.Before(cutoff) {
			delete(b, id)
			removed++
		}
	}
	return removed, nil
}

// EvictIfStale removes the subject only when its last-seen timestamp predates cutoff.
func (s *MemoryStore) EvictIfStale(ctx context.Context, shop, subjectID string, kind Kind, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.m[bucketKey(shop, kind)]
	e, ok := b[subjectID]
	if !ok || !e.lastSeen.Before(cutoff) {
		return false, nil
	}
	delete(b, subjectID)
	return true, nil
}

// SetOffline removes the subject immediately.
func (s *MemoryStore) SetOffline(ctx context.Context, shop, subjectID string, kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m[bucketKey(shop, kind)], subjectID)
	return nil
}

// ActiveShops returns shops that hold presence entries of either kind.
func (s *MemoryStore) ActiveShops(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var shops []string
	seen := make(map[string]bool)
	for k, b := range s.m {
		if len(b) == 0 {
			continue
		}
		i := strings.LastIndexByte(k, '\x00')
		if i <= 0 {
			continue
		}
		shop := k[:i]
		if !seen[shop] {
			seen[shop] = true
			shops = append(shops, shop)
		}
	}
	return shops, nil
}
