// Package kv opens the Redis client shared by presence, session tracking, and pub/sub.
package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// OpTimeout bounds every coordination-store round-trip. Exceeding it is treated
// as a store failure by callers, not a crash.
const OpTimeout = 2 * time.Second

// Pinger adapts a Redis client to the PingContext shape health checks expect.
type Pinger struct {
	Client *redis.Client
}

// PingContext reports whether the Redis connection is alive.
func (p *Pinger) PingContext(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}

// Open connects to Redis at addr and verifies the connection with a ping.
// Caller must call Close on the returned client when done.
func Open(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  OpTimeout,
		ReadTimeout:  OpTimeout,
		WriteTimeout: OpTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), OpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
