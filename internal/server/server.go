// Package server is the HTTP/JSON boundary: it validates tracking signals from
// storefront scripts, forwards them to the heartbeat manager, and serves the
// active-user read API for dashboards.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"shoppulse/backend/internal/heartbeat"
	"shoppulse/backend/internal/metrics"
	"shoppulse/backend/internal/metrics/repository"
	"shoppulse/backend/internal/session/domain"
)

// HeartbeatProcessor is the slice of the heartbeat manager the handlers need.
type HeartbeatProcessor interface {
	ProcessHeartbeat(ctx context.Context, sig heartbeat.Signal) (heartbeat.HeartbeatResult, error)
	ProcessUnload(ctx context.Context, sig heartbeat.Signal) error
}

// MetricsReader answers dashboard reads.
type MetricsReader interface {
	GetActiveUsers(ctx context.Context, shop string) (metrics.ActiveUsers, error)
	ListSnapshots(ctx context.Context, shop string, since time.Time) ([]repository.Snapshot, error)
}

// SessionLister reads recent session rows from durable storage.
type SessionLister interface {
	ListRecentByShop(ctx context.Context, shop string, limit int32) ([]*domain.Record, error)
}

// Pinger reports backing-store reachability for readiness checks (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps holds the handler dependencies. Sessions and the pingers may be nil;
// the sessions listing then answers empty and readiness skips that check.
type Deps struct {
	Heartbeats HeartbeatProcessor
	Metrics    MetricsReader
	Sessions   SessionLister
	DBPinger   Pinger
	KVPinger   Pinger
}

// NewRouter builds the HTTP routing tree.
func NewRouter(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(cors.Handler(cors.Options{
		// Tracking calls come from arbitrary storefront origins.
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/heartbeat", s.handleHeartbeat)
		r.Post("/unload", s.handleUnload)
		r.Get("/active-users", s.handleActiveUsers)
		r.Get("/active-users/history", s.handleHistory)
		r.Get("/sessions", s.handleSessions)
	})

	return r
}

type server struct {
	deps Deps
}
