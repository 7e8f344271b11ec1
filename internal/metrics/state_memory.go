package metrics

import (
	"context"
	"sync"

	"shoppulse/backend/internal/ema"
)

// MemoryStateStore is an in-memory StateStore used in tests and
// single-process development runs.
type MemoryStateStore struct {
	mu sync.RWMutex
	m  map[string]ema.State
}

// NewMemoryStateStore returns a new in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{m: make(map[string]ema.State)}
}

// Load returns the shop's state and whether one exists.
func (s *MemoryStateStore) Load(ctx context.Context, shop string) (ema.State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.m[shop]
	return st, ok, nil
}

// Save replaces the shop's state.
func (s *MemoryStateStore) Save(ctx context.Context, shop string, st ema.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[shop] = st
	return nil
}
