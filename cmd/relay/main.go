// Command relay runs the admission API server: it admits requests into the
// job pipeline and serves the run read and approval endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/relaysh/relay/internal/adapter/httpapi"
	relaynats "github.com/relaysh/relay/internal/adapter/nats"
	"github.com/relaysh/relay/internal/adapter/natskv"
	"github.com/relaysh/relay/internal/adapter/otel"
	"github.com/relaysh/relay/internal/adapter/postgres"
	"github.com/relaysh/relay/internal/adapter/ristretto"
	"github.com/relaysh/relay/internal/adapter/tiered"
	"github.com/relaysh/relay/internal/config"
	"github.com/relaysh/relay/internal/idempotency"
	"github.com/relaysh/relay/internal/logger"
	"github.com/relaysh/relay/internal/middleware"
	"github.com/relaysh/relay/internal/port/tool"
	"github.com/relaysh/relay/internal/ratelimit"
	"github.com/relaysh/relay/internal/service"
	"github.com/relaysh/relay/internal/tools/builtin"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		return runMigrate(context.Background(), cfg, os.Args[2:])
	}

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"nats_url", cfg.NATS.URL,
	)

	ctx := context.Background()

	shutdownOtel, err := otel.Setup(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shCtx); err != nil {
			slog.Error("telemetry shutdown", "error", err)
		}
	}()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	q, err := relaynats.Connect(ctx, cfg.NATS.URL, cfg.Queue)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = q.Close() }()

	js := q.JetStream()
	rateBucket, err := natskv.OpenBucket(ctx, js, cfg.Rate.Bucket, cfg.Rate.Window)
	if err != nil {
		return fmt.Errorf("rate bucket: %w", err)
	}
	idemBucket, err := natskv.OpenBucket(ctx, js, cfg.Idempotency.Bucket, cfg.Idempotency.TTL)
	if err != nil {
		return fmt.Errorf("idempotency bucket: %w", err)
	}
	idemCacheBucket, err := natskv.OpenBucket(ctx, js, cfg.Idempotency.Bucket+"-cache", cfg.Idempotency.TTL)
	if err != nil {
		return fmt.Errorf("idempotency cache bucket: %w", err)
	}

	l1, err := ristretto.New(cfg.Idempotency.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	defer l1.Close()
	idemCache := tiered.New(l1, natskv.NewCache(idemCacheBucket), cfg.Idempotency.L1TTL)

	// --- Services ---

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	registry := tool.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		return fmt.Errorf("tools: %w", err)
	}

	store := postgres.NewStore(pool)
	limiter := ratelimit.New(natskv.NewStore(rateBucket))
	idem := idempotency.New(natskv.NewStore(idemBucket), idemCache, cfg.Idempotency.TTL)
	guard := service.NewGuard(cfg.Policy, registry, log)
	gate := service.NewGate(limiter, idem, guard, store, q, cfg.Rate, metrics, log)

	handlers := &httpapi.Handlers{
		Gate:      gate,
		Runs:      service.NewRuns(store),
		Approvals: service.NewApprovals(store, q, log),
		Log:       log,
	}

	// --- HTTP ---

	r := chi.NewRouter()

	r.Use(httpapi.CORS(cfg.Server.CORSOrigin))
	r.Use(httpapi.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(middleware.TraceID)
	r.Use(httpapi.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	httpapi.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
