// Server runs the tracking API: heartbeat/unload ingestion, the aggregation
// tick loop, the idle-session sweep, and the active-users read endpoints.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shoppulse/backend/internal/analytics"
	"shoppulse/backend/internal/analytics/producer"
	"shoppulse/backend/internal/config"
	"shoppulse/backend/internal/db"
	"shoppulse/backend/internal/ema"
	"shoppulse/backend/internal/heartbeat"
	"shoppulse/backend/internal/kv"
	"shoppulse/backend/internal/metrics"
	metricsrepo "shoppulse/backend/internal/metrics/repository"
	"shoppulse/backend/internal/presence"
	"shoppulse/backend/internal/security"
	"shoppulse/backend/internal/server"
	"shoppulse/backend/internal/session"
	sessionrepo "shoppulse/backend/internal/session/repository"
	"shoppulse/backend/internal/session/tracker"
	"shoppulse/backend/internal/telemetry"
	"shoppulse/backend/internal/telemetry/otel"
)

// sweepInterval is how often idle sessions are force-closed. Coarser than the
// tick loop on purpose; the gap threshold is minutes, not seconds.
const sweepInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "shoppulse-server", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()
	inst, err := telemetry.NewInstruments(providers.MeterProvider)
	if err != nil {
		log.Fatalf("telemetry: instruments: %v", err)
	}

	rdb, err := kv.Open(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rdb.Close()

	var (
		sessions  sessionrepo.Repository
		snapshots metricsrepo.Repository
		dbPinger  server.Pinger
	)
	if cfg.DatabaseURL != "" {
		conn, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer conn.Close()
		sessions = sessionrepo.NewPostgresRepository(conn)
		snapshots = metricsrepo.NewPostgresRepository(conn)
		dbPinger = conn
	} else {
		log.Println("server: DATABASE_URL not set; running without durable storage")
	}

	var emitter analytics.Emitter
	if brokers := cfg.AnalyticsKafkaBrokersList(); len(brokers) > 0 {
		kp, err := producer.NewKafkaProducer(brokers, cfg.AnalyticsKafkaTopic)
		if err != nil {
			log.Fatalf("kafka: %v", err)
		}
		if kp != nil {
			defer kp.Close()
			emitter = kp
			log.Printf("server: analytics export to %s enabled", cfg.AnalyticsKafkaTopic)
		}
	} else if cfg.OTLPEndpoint != "" {
		// No brokers: events still leave the process, as OTLP log records
		// through the collector.
		emitter = otel.NewEventEmitter(providers.LoggerProvider)
		log.Println("server: analytics export via OTLP logs enabled")
	}

	var hasher *security.IPHasher
	if cfg.IPHashKey != "" {
		hasher = security.NewIPHasher(cfg.IPHashKey)
	}

	ttl := cfg.PresenceTTLDuration()
	store := presence.NewRedisStore(rdb, ttl)
	sessionSvc := session.NewService(tracker.NewRedisTracker(rdb), sessions, cfg.SessionGapDuration(), emitter)
	manager := heartbeat.NewManager(store, sessionSvc, hasher, inst, cfg.HeartbeatIntervalDuration(), ttl)

	params := ema.Params{
		TauFast:  cfg.TauFastDuration(),
		TauSlow:  cfg.TauSlowDuration(),
		MinAlpha: cfg.EMAMinAlpha,
		MaxAlpha: cfg.EMAMaxAlpha,
	}
	metricsSvc := metrics.NewService(store, metrics.NewRedisStateStore(rdb),
		snapshots, metrics.NewRedisPublisher(rdb), emitter, inst, params, ttl)

	go metrics.NewLoop(metricsSvc, cfg.TickIntervalDuration()).Run(ctx)
	go runSweep(ctx, sessionSvc)

	deps := server.Deps{
		Heartbeats: manager,
		Metrics:    metricsSvc,
		DBPinger:   dbPinger,
		KVPinger:   &kv.Pinger{Client: rdb},
	}
	if sessions != nil {
		deps.Sessions = sessions
	}
	handler := server.NewRouter(deps)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down HTTP server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	cancel()
	manager.Shutdown()
	if emitter != nil {
		// Give fire-and-forget emits a chance to land before the producer closes.
		time.Sleep(analytics.ShutdownDrainDuration)
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("telemetry: shutdown: %v", err)
	}
	log.Println("HTTP server stopped")
}

func runSweep(ctx context.Context, svc *session.Service) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.SweepExpired(ctx, time.Now().UTC())
			if err != nil {
				log.Printf("sweep: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("sweep: closed %d idle sessions", n)
			}
		}
	}
}
