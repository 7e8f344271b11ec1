package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"shoppulse/backend/internal/ema"
)

// EMA state per shop:
//
//	ema:{shop}  hash {fast, slow, last_ts, last_raw}, last_ts in unix millis
//
// The key expires after a day without ticks so abandoned shops are reclaimed;
// the engine reseeds from the next raw observation.
const (
	emaKeyPrefix = "ema:"
	emaKeyTTL    = 24 * time.Hour
)

// RedisStateStore implements StateStore on a shared Redis client.
type RedisStateStore struct {
	rdb *redis.Client
}

// NewRedisStateStore returns a StateStore backed by rdb.
func NewRedisStateStore(rdb *redis.Client) *RedisStateStore {
	return &RedisStateStore{rdb: rdb}
}

// Load returns the shop's state. A missing or partially written hash reads as
// absent; the caller reseeds rather than erroring.
func (s *RedisStateStore) Load(ctx context.Context, shop string) (ema.State, bool, error) {
	var raw struct {
		Fast    float64 `redis:"fast"`
		Slow    float64 `redis:"slow"`
		LastTS  int64   `redis:"last_ts"`
		LastRaw float64 `redis:"last_raw"`
	}
	cmd := s.rdb.HGetAll(ctx, emaKeyPrefix+shop)
	if err := cmd.Err(); err != nil {
		return ema.State{}, false, fmt.Errorf("metrics: load state %s: %w", shop, err)
	}
	if len(cmd.Val()) == 0 {
		return ema.State{}, false, nil
	}
	if err := cmd.Scan(&raw); err != nil {
		return ema.State{}, false, nil
	}
	if raw.LastTS == 0 {
		return ema.State{}, false, nil
	}
	return ema.State{
		Fast:    raw.Fast,
		Slow:    raw.Slow,
		LastTS:  time.UnixMilli(raw.LastTS).UTC(),
		LastRaw: raw.LastRaw,
	}, true, nil
}

// Save replaces the shop's state and refreshes the key TTL.
func (s *RedisStateStore) Save(ctx context.Context, shop string, st ema.State) error {
	key := emaKeyPrefix + shop
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key,
		"fast", st.Fast,
		"slow", st.Slow,
		"last_ts", st.LastTS.UnixMilli(),
		"last_raw", st.LastRaw,
	)
	pipe.Expire(ctx, key, emaKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("metrics: save state %s: %w", shop, err)
	}
	return nil
}
