package tracker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pointer key per visitor:
//
//	session:current:{shop}:{visitor}  hash {id, started, last, first_page, last_page, pages}
//
// started/last are unix millis. The key expires at twice the gap threshold:
// idle sessions stay visible to the sweep for one extra gap before the store
// reclaims them on its own.
const currentKeyPrefix = "session:current:"

// applyScript runs the full read-decide-write transition server-side, so the
// decision cannot race with another heartbeat for the same visitor.
// KEYS[1] pointer key; ARGV: now_ms, gap_ms, new_session_id, page, ttl_ms.
// Returns a flat array of strings: outcome, current fields, then (rotated
// only) the closed session's fields.
var applyScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local gap = tonumber(ARGV[2])
local ttl = tonumber(ARGV[5])
local f = redis.call('HGETALL', KEYS[1])
if #f == 0 then
  redis.call('HSET', KEYS[1], 'id', ARGV[3], 'started', now, 'last', now, 'first_page', ARGV[4], 'last_page', ARGV[4], 'pages', 1)
  redis.call('PEXPIRE', KEYS[1], ttl)
  return {'started', ARGV[3], tostring(now), tostring(now), ARGV[4], ARGV[4], '1'}
end
local h = {}
for i = 1, #f, 2 do h[f[i]] = f[i+1] end
local last = tonumber(h['last'])
if now - last < gap then
  local pages = redis.call('HINCRBY', KEYS[1], 'pages', 1)
  redis.call('HSET', KEYS[1], 'last', now, 'last_page', ARGV[4])
  redis.call('PEXPIRE', KEYS[1], ttl)
  return {'continued', h['id'], h['started'], tostring(now), h['first_page'], ARGV[4], tostring(pages)}
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'id', ARGV[3], 'started', now, 'last', now, 'first_page', ARGV[4], 'last_page', ARGV[4], 'pages', 1)
redis.call('PEXPIRE', KEYS[1], ttl)
return {'rotated', ARGV[3], tostring(now), tostring(now), ARGV[4], ARGV[4], '1',
        h['id'], h['started'], h['last'], h['first_page'], h['last_page'], h['pages']}
`)

// endScript captures and deletes the pointer in one step.
// KEYS[1] pointer key. Returns the session fields, or false when absent.
var endScript = redis.NewScript(`
local f = redis.call('HGETALL', KEYS[1])
if #f == 0 then
  return false
end
local h = {}
for i = 1, #f, 2 do h[f[i]] = f[i+1] end
redis.call('DEL', KEYS[1])
return {h['id'], h['started'], h['last'], h['first_page'], h['last_page'], h['pages']}
`)

// endIfIdleScript deletes the pointer only when it is still idle, so the sweep
// cannot race a heartbeat that just continued the session.
// KEYS[1] pointer key; ARGV: now_ms, gap_ms. Returns fields or false.
var endIfIdleScript = redis.NewScript(`
local f = redis.call('HGETALL', KEYS[1])
if #f == 0 then
  return false
end
local h = {}
for i = 1, #f, 2 do h[f[i]] = f[i+1] end
if tonumber(ARGV[1]) - tonumber(h['last']) < tonumber(ARGV[2]) then
  return false
end
redis.call('DEL', KEYS[1])
return {h['id'], h['started'], h['last'], h['first_page'], h['last_page'], h['pages']}
`)

// RedisTracker implements Tracker on a shared Redis client.
type RedisTracker struct {
	rdb *redis.Client
}

// NewRedisTracker returns a Tracker backed by rdb.
func NewRedisTracker(rdb *redis.Client) *RedisTracker {
	return &RedisTracker{rdb: rdb}
}

func currentKey(shop, visitorID string) string {
	return currentKeyPrefix + shop + ":" + visitorID
}

// Apply runs the transition script for one activity signal.
func (t *RedisTracker) Apply(ctx context.Context, shop, visitorID, newSessionID, page string, now time.Time, gap time.Duration) (Transition, error) {
	res, err := applyScript.Run(ctx, t.rdb, []string{currentKey(shop, visitorID)},
		now.UnixMilli(), gap.Milliseconds(), newSessionID, page, (2 * gap).Milliseconds()).Result()
	if err != nil {
		return Transition{}, fmt.Errorf("tracker: apply %s/%s: %w", shop, visitorID, err)
	}
	fields, err := scriptStrings(res)
	if err != nil {
		return Transition{}, fmt.Errorf("tracker: apply %s/%s: %w", shop, visitorID, err)
	}
	if len(fields) < 7 {
		return Transition{}, fmt.Errorf("tracker: apply %s/%s: short reply (%d fields)", shop, visitorID, len(fields))
	}
	cur, err := parseCurrent(fields[1:7])
	if err != nil {
		return Transition{}, fmt.Errorf("tracker: apply %s/%s: %w", shop, visitorID, err)
	}
	tr := Transition{Outcome: Outcome(fields[0]), Current: cur}
	if tr.Outcome == OutcomeRotated {
		if len(fields) < 13 {
			return Transition{}, fmt.Errorf("tracker: apply %s/%s: short rotated reply", shop, visitorID)
		}
		closed, err := parseCurrent(fields[7:13])
		if err != nil {
			return Transition{}, fmt.Errorf("tracker: apply %s/%s: %w", shop, visitorID, err)
		}
		tr.Closed = &closed
	}
	return tr, nil
}

// End removes the visitor's current session and returns its final state.
func (t *RedisTracker) End(ctx context.Context, shop, visitorID string) (*Current, error) {
	res, err := endScript.Run(ctx, t.rdb, []string{currentKey(shop, visitorID)}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tracker: end %s/%s: %w", shop, visitorID, err)
	}
	return parseEndReply(res)
}

// SweepIdle scans pointer keys and atomically removes sessions idle past gap.
func (t *RedisTracker) SweepIdle(ctx context.Context, now time.Time, gap time.Duration) ([]Idle, error) {
	var out []Idle
	iter := t.rdb.Scan(ctx, 0, currentKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		shop, visitorID, ok := splitCurrentKey(key)
		if !ok {
			continue
		}
		res, err := endIfIdleScript.Run(ctx, t.rdb, []string{key}, now.UnixMilli(), gap.Milliseconds()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("tracker: sweep %s: %w", key, err)
		}
		cur, err := parseEndReply(res)
		if err != nil {
			return out, fmt.Errorf("tracker: sweep %s: %w", key, err)
		}
		if cur != nil {
			out = append(out, Idle{Shop: shop, VisitorID: visitorID, Session: *cur})
		}
	}
	if err := iter.Err(); err != nil {
		return out, fmt.Errorf("tracker: sweep scan: %w", err)
	}
	return out, nil
}

func splitCurrentKey(key string) (shop, visitorID string, ok bool) {
	rest := strings.TrimPrefix(key, currentKeyPrefix)
	i := strings.IndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

func parseEndReply(res interface{}) (*Current, error) {
	fields, err := scriptStrings(res)
	if err != nil {
		return nil, err
	}
	if len(fields) < 6 {
		return nil, fmt.Errorf("short end reply (%d fields)", len(fields))
	}
	cur, err := parseCurrent(fields[:6])
	if err != nil {
		return nil, err
	}
	return &cur, nil
}

// parseCurrent decodes [id, started_ms, last_ms, first_page, last_page, pages].
func parseCurrent(fields []string) (Current, error) {
	started, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Current{}, fmt.Errorf("bad started %q: %w", fields[1], err)
	}
	last, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Current{}, fmt.Errorf("bad last %q: %w", fields[2], err)
	}
	pages, err := strconv.Atoi(fields[5])
	if err != nil {
		return Current{}, fmt.Errorf("bad pages %q: %w", fields[5], err)
	}
	return Current{
		SessionID:    fields[0],
		StartedAt:    time.UnixMilli(started).UTC(),
		LastActivity: time.UnixMilli(last).UTC(),
		FirstPage:    fields[3],
		LastPage:     fields[4],
		PageCount:    pages,
	}, nil
}

func scriptStrings(res interface{}) ([]string, error) {
	arr, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected script reply type %T", res)
	}
	out := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected script reply element %T", v)
		}
		out[i] = s
	}
	return out, nil
}
