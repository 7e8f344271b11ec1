// seed inserts development sample data for local dashboards: a demo shop with
// a few closed sessions, visitor aggregates, and an hour of minute snapshots.
// Idempotent: skips inserts when the demo shop already has sessions.
package main

import (
	"context"
	"database/sql"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"shoppulse/backend/internal/config"
	"shoppulse/backend/internal/db"
)

const demoShop = "demo-shop.example"

type demoSession struct {
	visitorID  string
	startedAgo time.Duration
	duration   time.Duration
	firstPage  string
	lastPage   string
	pageCount  int
	endReason  string
}

var demoSessions = []demoSession{
	{"seed-visitor-001", 55 * time.Minute, 12 * time.Minute, "/", "/checkout", 7, "unload"},
	{"seed-visitor-001", 30 * time.Minute, 4 * time.Minute, "/products/candle", "/cart", 3, "timeout"},
	{"seed-visitor-002", 48 * time.Minute, 25 * time.Minute, "/collections/new", "/products/mug", 14, "unload"},
	{"seed-visitor-003", 20 * time.Minute, 2 * time.Minute, "/", "/", 1, "idle_gap"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var existing int
	err = conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE shop = $1`, demoShop).Scan(&existing)
	if err != nil {
		log.Fatalf("seed: check existing: %v", err)
	}
	if existing > 0 {
		log.Printf("seed: %s already has %d sessions; nothing to do", demoShop, existing)
		return
	}

	now := time.Now().UTC()
	if err := seedSessions(ctx, conn, now); err != nil {
		log.Fatalf("seed: sessions: %v", err)
	}
	if err := seedSnapshots(ctx, conn, now); err != nil {
		log.Fatalf("seed: snapshots: %v", err)
	}
	log.Printf("seed: inserted demo data for %s", demoShop)
}

func seedSessions(ctx context.Context, conn *sql.DB, now time.Time) error {
	counts := map[string][]int64{}
	for _, s := range demoSessions {
		started := now.Add(-s.startedAgo)
		ended := started.Add(s.duration)
		durationMS := s.duration.Milliseconds()
		_, err := conn.ExecContext(ctx, `
			INSERT INTO sessions (id, shop, visitor_id, started_at, ended_at, first_page,
				last_page, duration_ms, page_count, is_ended, end_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, $10)
		`, uuid.New().String(), demoShop, s.visitorID, started, ended,
			s.firstPage, s.lastPage, durationMS, s.pageCount, s.endReason)
		if err != nil {
			return err
		}
		counts[s.visitorID] = append(counts[s.visitorID], durationMS)
	}

	for visitorID, durations := range counts {
		var sum, min, max int64
		min = durations[0]
		for _, d := range durations {
			sum += d
			if d < min {
				min = d
			}
			if d > max {
				max = d
			}
		}
		n := int64(len(durations))
		_, err := conn.ExecContext(ctx, `
			INSERT INTO visitor_session_counts (shop, visitor_id, session_count,
				avg_duration_ms, min_duration_ms, max_duration_ms, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, demoShop, visitorID, n, (sum+n/2)/n, min, max, now)
		if err != nil {
			return err
		}
	}
	return nil
}

// seedSnapshots writes an hour of minute rows shaped like a gentle traffic
// wave so trend arrows have something to show.
func seedSnapshots(ctx context.Context, conn *sql.DB, now time.Time) error {
	base := now.Truncate(time.Minute).Add(-time.Hour)
	fast, slow := 8.0, 8.0
	for i := 0; i < 60; i++ {
		raw := 8 + int(6*math.Sin(float64(i)/9))
		fast += 0.6 * (float64(raw) - fast)
		slow += 0.15 * (float64(raw) - slow)
		_, err := conn.ExecContext(ctx, `
			INSERT INTO active_users_minutes (shop, ts_minute, au_raw, ema_fast, ema_slow)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (shop, ts_minute) DO NOTHING
		`, demoShop, base.Add(time.Duration(i)*time.Minute), raw, fast, slow)
		if err != nil {
			return err
		}
	}
	return nil
}
