// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN for durable session and snapshot storage.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisAddr is the Redis host:port used for presence, session pointers, EMA state, and pub/sub.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisPassword is the Redis password; empty when auth is disabled.
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	// RedisDB is the Redis logical database number.
	RedisDB int `mapstructure:"REDIS_DB"`

	// HeartbeatInterval is the base client heartbeat cadence (e.g. "10s"). The server
	// returns this value jittered ±20% so tabs do not synchronize.
	HeartbeatInterval string `mapstructure:"HEARTBEAT_INTERVAL"`
	// PresenceTTL is how long a subject counts as active after its last heartbeat (e.g. "30s").
	PresenceTTL string `mapstructure:"PRESENCE_TTL"`
	// TickInterval is the aggregation loop cadence (e.g. "5s").
	TickInterval string `mapstructure:"TICK_INTERVAL"`
	// SessionGap is the idle duration after which the next activity starts a new session (e.g. "15m").
	SessionGap string `mapstructure:"SESSION_GAP"`

	// EMATauFast is the short smoothing time constant (e.g. "10s").
	EMATauFast string `mapstructure:"EMA_TAU_FAST"`
	// EMATauSlow is the long smoothing time constant (e.g. "60s").
	EMATauSlow string `mapstructure:"EMA_TAU_SLOW"`
	// EMAMinAlpha is the lower clamp on the per-step smoothing factor (0..1).
	EMAMinAlpha float64 `mapstructure:"EMA_MIN_ALPHA"`
	// EMAMaxAlpha is the upper clamp on the per-step smoothing factor (0..1).
	EMAMaxAlpha float64 `mapstructure:"EMA_MAX_ALPHA"`

	// IPHashKey is the secret key for keyed IP hashing; raw client IPs are never stored.
	IPHashKey string `mapstructure:"IP_HASH_KEY"`

	// Analytics (optional). When Kafka brokers are set, session and EMA events are exported to Kafka.
	// AnalyticsKafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	AnalyticsKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// AnalyticsKafkaTopic is the Kafka topic for analytics events (default shoppulse-analytics).
	AnalyticsKafkaTopic string `mapstructure:"ANALYTICS_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the analytics worker to push events (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the analytics worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// OTLPEndpoint enables OpenTelemetry export when set (e.g. http://localhost:4317).
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("HEARTBEAT_INTERVAL", "10s")
	v.SetDefault("PRESENCE_TTL", "30s")
	v.SetDefault("TICK_INTERVAL", "5s")
	v.SetDefault("SESSION_GAP", "15m")
	v.SetDefault("EMA_TAU_FAST", "10s")
	v.SetDefault("EMA_TAU_SLOW", "60s")
	v.SetDefault("EMA_MIN_ALPHA", 0.0)
	v.SetDefault("EMA_MAX_ALPHA", 1.0)
	v.SetDefault("IP_HASH_KEY", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("ANALYTICS_KAFKA_TOPIC", "shoppulse-analytics")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "shoppulse-analytics-worker")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.RedisAddr == "" {
		return nil, errors.New("config: REDIS_ADDR must be set")
	}
	if cfg.EMAMinAlpha < 0 || cfg.EMAMinAlpha > 1 {
		return nil, errors.New("config: EMA_MIN_ALPHA must be between 0 and 1")
	}
	if cfg.EMAMaxAlpha < 0 || cfg.EMAMaxAlpha > 1 {
		return nil, errors.New("config: EMA_MAX_ALPHA must be between 0 and 1")
	}
	if cfg.EMAMinAlpha > cfg.EMAMaxAlpha {
		return nil, errors.New("config: EMA_MIN_ALPHA must not exceed EMA_MAX_ALPHA")
	}
	if cfg.IPHashKey == "" && cfg.Env == "production" {
		return nil, errors.New("config: IP_HASH_KEY must be set when APP_ENV=production")
	}

	return &cfg, nil
}

// HeartbeatIntervalDuration parses HeartbeatInterval. Returns 10s if unset or invalid.
func (c *Config) HeartbeatIntervalDuration() time.Duration {
	return parseDuration(c.HeartbeatInterval, 10*time.Second)
}

// PresenceTTLDuration parses PresenceTTL. Returns 30s if unset or invalid.
func (c *Config) PresenceTTLDuration() time.Duration {
	return parseDuration(c.PresenceTTL, 30*time.Second)
}

// TickIntervalDuration parses TickInterval. Returns 5s if unset or invalid.
func (c *Config) TickIntervalDuration() time.Duration {
	return parseDuration(c.TickInterval, 5*time.Second)
}

// SessionGapDuration parses SessionGap. Returns 15m if unset or invalid.
func (c *Config) SessionGapDuration() time.Duration {
	return parseDuration(c.SessionGap, 15*time.Minute)
}

// TauFastDuration parses EMATauFast. Returns 10s if unset or invalid.
func (c *Config) TauFastDuration() time.Duration {
	return parseDuration(c.EMATauFast, 10*time.Second)
}

// TauSlowDuration parses EMATauSlow. Returns 60s if unset or invalid.
func (c *Config) TauSlowDuration() time.Duration {
	return parseDuration(c.EMATauSlow, 60*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// AnalyticsKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if analytics export is enabled (non-empty list) and to create the producer.
func (c *Config) AnalyticsKafkaBrokersList() []string {
	if c == nil || c.AnalyticsKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.AnalyticsKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
