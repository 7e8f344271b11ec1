package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// updateChannelPrefix scopes the live-update channel per shop so dashboard
// subscribers only receive their own shop's traffic.
const updateChannelPrefix = "shoppulse:updates:"

// Update is the live payload pushed to subscribers after every tick.
type Update struct {
	Type      string    `json:"type"`
	Shop      string    `json:"shop"`
	AuRaw     int       `json:"au_raw"`
	EmaFast   float64   `json:"ema_fast"`
	EmaSlow   float64   `json:"ema_slow"`
	Trend     string    `json:"trend"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher pushes tick updates to live subscribers.
type Publisher interface {
	PublishUpdate(ctx context.Context, u Update) error
}

// RedisPublisher implements Publisher on Redis pub/sub.
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher returns a Publisher backed by rdb.
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

// PublishUpdate sends the update on the shop-scoped channel. Fire-and-forget:
// delivery to zero subscribers is not an error.
func (p *RedisPublisher) PublishUpdate(ctx context.Context, u Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("metrics: marshal update: %w", err)
	}
	if err := p.rdb.Publish(ctx, updateChannelPrefix+u.Shop, payload).Err(); err != nil {
		return fmt.Errorf("metrics: publish update %s: %w", u.Shop, err)
	}
	return nil
}
