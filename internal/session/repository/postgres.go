package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"shoppulse/backend/internal/session/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create persists the session to the database. The record must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, rec *domain.Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, shop, visitor_id, started_at, first_page, last_page, referrer, user_agent, ip_hash, page_count, is_ended)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Shop, rec.VisitorID, rec.StartedAt, rec.FirstPage, rec.LastPage,
		nullString(rec.Referrer), nullString(rec.UserAgent), nullString(rec.IPHash), rec.PageCount,
	)
	return err
}

// Touch updates the open session's last page and page count.
func (r *PostgresRepository) Touch(ctx context.Context, id, lastPage string, pageCount int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET last_page = $2, page_count = $3
		WHERE id = $1 AND NOT is_ended`,
		id, lastPage, pageCount,
	)
	return err
}

// Close marks the session ended and updates the visitor's accumulator in the
// same transaction. Closing an already-ended session is a no-op for the
// sessions row but the accumulator is only touched when the row transitioned.
func (r *PostgresRepository) Close(ctx context.Context, rec *domain.Record) error {
	if rec.EndedAt == nil || rec.DurationMS == nil {
		return errors.New("session repository: close requires ended_at and duration_ms")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET ended_at = $2, duration_ms = $3, last_page = $4, page_count = $5, is_ended = TRUE, end_reason = $6
		WHERE id = $1 AND NOT is_ended`,
		rec.ID, *rec.EndedAt, *rec.DurationMS, rec.LastPage, rec.PageCount, string(rec.EndReason),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Already closed by a competing path; nothing to accumulate.
		return tx.Commit()
	}

	// Running average avoids storing full history:
	// avg' = round((avg*(n-1) + new) / n) with n the incremented count.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO visitor_session_counts (shop, visitor_id, session_count, avg_duration_ms, min_duration_ms, max_duration_ms, updated_at)
		VALUES ($1, $2, 1, $3, $3, $3, $4)
		ON CONFLICT (shop, visitor_id) DO UPDATE SET
			session_count   = visitor_session_counts.session_count + 1,
			avg_duration_ms = ROUND((visitor_session_counts.avg_duration_ms::numeric * visitor_session_counts.session_count + $3) / (visitor_session_counts.session_count + 1)),
			min_duration_ms = LEAST(visitor_session_counts.min_duration_ms, $3),
			max_duration_ms = GREATEST(visitor_session_counts.max_duration_ms, $3),
			updated_at      = $4`,
		rec.Shop, rec.VisitorID, *rec.DurationMS, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetByID returns the session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, shop, visitor_id, started_at, ended_at, first_page, last_page, referrer, user_agent, ip_hash, duration_ms, page_count, is_ended, end_reason
		FROM sessions WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// ListRecentByShop returns the shop's most recently started sessions.
func (r *PostgresRepository) ListRecentByShop(ctx context.Context, shop string, limit int32) ([]*domain.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, shop, visitor_id, started_at, ended_at, first_page, last_page, referrer, user_agent, ip_hash, duration_ms, page_count, is_ended, end_reason
		FROM sessions WHERE shop = $1
		ORDER BY started_at DESC LIMIT $2`, shop, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetVisitorCounts returns the visitor's accumulator, or nil if absent.
func (r *PostgresRepository) GetVisitorCounts(ctx context.Context, shop, visitorID string) (*domain.VisitorCounts, error) {
	var c domain.VisitorCounts
	err := r.db.QueryRowContext(ctx, `
		SELECT shop, visitor_id, session_count, avg_duration_ms, min_duration_ms, max_duration_ms, updated_at
		FROM visitor_session_counts WHERE shop = $1 AND visitor_id = $2`,
		shop, visitorID,
	).Scan(&c.Shop, &c.VisitorID, &c.SessionCount, &c.AvgDurationMS, &c.MinDurationMS, &c.MaxDurationMS, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.Record, error) {
	var rec domain.Record
	var endedAt sql.NullTime
	var referrer, userAgent, ipHash, endReason sql.NullString
	var durationMS sql.NullInt64
	err := row.Scan(
		&rec.ID, &rec.Shop, &rec.VisitorID, &rec.StartedAt, &endedAt,
		&rec.FirstPage, &rec.LastPage, &referrer, &userAgent, &ipHash,
		&durationMS, &rec.PageCount, &rec.IsEnded, &endReason,
	)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		rec.EndedAt = &endedAt.Time
	}
	if durationMS.Valid {
		rec.DurationMS = &durationMS.Int64
	}
	rec.Referrer = referrer.String
	rec.UserAgent = userAgent.String
	rec.IPHash = ipHash.String
	rec.EndReason = domain.EndReason(endReason.String)
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
