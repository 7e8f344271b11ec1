package repository

import (
	"context"

	"shoppulse/backend/internal/session/domain"
)

// Repository defines durable persistence for session records and the
// per-visitor session-count accumulator.
type Repository interface {
	// Create persists a newly started session. The record must have ID set.
	Create(ctx context.Context, rec *domain.Record) error
	// Touch updates the open session's last page and page count on a
	// continuing heartbeat.
	Touch(ctx context.Context, id, lastPage string, pageCount int) error
	// Close marks the session ended and transactionally updates the visitor's
	// accumulator with the closed duration.
	Close(ctx context.Context, rec *domain.Record) error
	// GetByID returns the session for id, or nil if not found.
	GetByID(ctx context.Context, id string) (*domain.Record, error)
	// ListRecentByShop returns the shop's most recently started sessions.
	ListRecentByShop(ctx context.Context, shop string, limit int32) ([]*domain.Record, error)
	// GetVisitorCounts returns the visitor's accumulator, or nil if the
	// visitor has no closed sessions yet.
	GetVisitorCounts(ctx context.Context, shop, visitorID string) (*domain.VisitorCounts, error)
}
