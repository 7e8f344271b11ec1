package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresRepository implements Repository using a PostgreSQL database.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// SaveSnapshot upserts the minute row for the shop.
func (r *PostgresRepository) SaveSnapshot(ctx context.Context, s Snapshot) error {
	query := `
		INSERT INTO active_users_minutes (shop, ts_minute, au_raw, ema_fast, ema_slow)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (shop, ts_minute) DO UPDATE SET
			au_raw = EXCLUDED.au_raw,
			ema_fast = EXCLUDED.ema_fast,
			ema_slow = EXCLUDED.ema_slow
	`
	_, err := r.db.ExecContext(ctx, query,
		s.Shop, s.TsMinute.UTC().Truncate(time.Minute), s.AuRaw, s.EmaFast, s.EmaSlow)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// ListSince returns the shop's snapshot rows at or after since, oldest first.
func (r *PostgresRepository) ListSince(ctx context.Context, shop string, since time.Time) ([]Snapshot, error) {
	query := `
		SELECT shop, ts_minute, au_raw, ema_fast, ema_slow
		FROM active_users_minutes
		WHERE shop = $1 AND ts_minute >= $2
		ORDER BY ts_minute ASC
	`
	rows, err := r.db.QueryContext(ctx, query, shop, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.Shop, &s.TsMinute, &s.AuRaw, &s.EmaFast, &s.EmaSlow); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %w", err)
	}
	return out, nil
}
