package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis layout, per shop and kind:
//
//	presence:{shop}:{kind}       sorted set, member = subject id, score = last-seen unix millis
//	presence:{shop}:{kind}:meta  hash, field = subject id, value = JSON Metadata
//
// The sort score carries recency only; membership is keyed by subject id
// directly, never by parsing the member string.
const keyPrefix = "presence:"

// RedisStore implements Store on a shared Redis client.
type RedisStore struct {
	rdb  *redis.Client
	ttl  time.Duration
	nowF func() time.Time
}

// NewRedisStore returns a Store backed by rdb. ttl is the presence window;
// keys expire at twice the ttl so shops with no traffic vanish from discovery.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, nowF: func() time.Time { return time.Now().UTC() }}
}

func zsetKey(shop string, kind Kind) string {
	return keyPrefix + shop + ":" + string(kind)
}

func metaKey(shop string, kind Kind) string {
	return zsetKey(shop, kind) + ":meta"
}

// Refresh upserts the subject with ZADD GT so a delayed write can never move
// a subject's last-seen backwards (store-receive order is authoritative).
func (s *RedisStore) Refresh(ctx context.Context, shop, subjectID string, kind Kind, ts time.Time, meta Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("presence: encode metadata: %w", err)
	}
	pipe := s.rdb.Pipeline()
	pipe.ZAddGT(ctx, zsetKey(shop, kind), redis.Z{Score: float64(ts.UnixMilli()), Member: subjectID})
	pipe.HSet(ctx, metaKey(shop, kind), subjectID, raw)
	pipe.Expire(ctx, zsetKey(shop, kind), 2*s.ttl)
	pipe.Expire(ctx, metaKey(shop, kind), 2*s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: refresh %s/%s: %w", shop, kind, err)
	}
	return nil
}

// ActiveCount counts subjects last seen within [now-window, now]. Pure read;
// stale entries are left for EvictExpired.
func (s *RedisStore) ActiveCount(ctx context.Context, shop string, kind Kind, window time.Duration) (int, error) {
	min := strconv.FormatInt(s.nowF().Add(-window).UnixMilli(), 10)
	n, err := s.rdb.ZCount(ctx, zsetKey(shop, kind), min, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("presence: count %s/%s: %w", shop, kind, err)
	}
	return int(n), nil
}

// EvictExpired removes subjects last seen strictly before cutoff, together
// with their metadata. Returns the number of subjects removed.
func (s *RedisStore) EvictExpired(ctx context.Context, shop string, kind Kind, cutoff time.Time) (int, error) {
	max := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	stale, err := s.rdb.ZRangeByScore(ctx, zsetKey(shop, kind), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: scan stale %s/%s: %w", shop, kind, err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	members := make([]interface{}, len(stale))
	for i, m := range stale {
		members[i] = m
	}
	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, zsetKey(shop, kind), members...)
	pipe.HDel(ctx, metaKey(shop, kind), stale...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("presence: evict %s/%s: %w", shop, kind, err)
	}
	return len(stale), nil
}

// evictIfStaleScript checks the member's score and removes it in one step, so
// the check cannot race a concurrent refresh.
// KEYS[1] zset, KEYS[2] meta hash; ARGV: subject id, cutoff millis.
var evictIfStaleScript = redis.NewScript(`
local s = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not s or tonumber(s) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

// EvictIfStale removes the subject only when its last-seen score predates
// cutoff. The score check and removal run as one atomic server-side operation.
func (s *RedisStore) EvictIfStale(ctx context.Context, shop, subjectID string, kind Kind, cutoff time.Time) (bool, error) {
	res, err := evictIfStaleScript.Run(ctx, s.rdb,
		[]string{zsetKey(shop, kind), metaKey(shop, kind)},
		subjectID, cutoff.UnixMilli()).Result()
	if err != nil {
		return false, fmt.Errorf("presence: evict stale %s/%s: %w", shop, kind, err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("presence: evict stale %s/%s: unexpected reply %T", shop, kind, res)
	}
	return n == 1, nil
}

// SetOffline drops the subject immediately (explicit unload), bypassing TTL.
func (s *RedisStore) SetOffline(ctx context.Context, shop, subjectID string, kind Kind) error {
	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, zsetKey(shop, kind), subjectID)
	pipe.HDel(ctx, metaKey(shop, kind), subjectID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: offline %s/%s: %w", shop, kind, err)
	}
	return nil
}

// ActiveShops scans presence keys of both kinds and extracts the shop names.
// A shop with only one kind still counts: degraded heartbeats may have
// refreshed sessions while visitor refreshes failed, or vice versa.
func (s *RedisStore) ActiveShops(ctx context.Context) ([]string, error) {
	var shops []string
	seen := make(map[string]bool)
	for _, kind := range []Kind{KindVisitor, KindSession} {
		pattern := keyPrefix + "*:" + string(kind)
		suffix := ":" + string(kind)
		iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			shop := strings.TrimSuffix(strings.TrimPrefix(key, keyPrefix), suffix)
			if shop == "" || seen[shop] {
				continue
			}
			seen[shop] = true
			shops = append(shops, shop)
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("presence: scan shops: %w", err)
		}
	}
	return shops, nil
}
