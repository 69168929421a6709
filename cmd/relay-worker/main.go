// Command relay-worker runs the queue worker: it claims job messages from
// the stream, executes them, persists progress to the run ledger and
// delivers completion webhooks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	relaynats "github.com/relaysh/relay/internal/adapter/nats"
	"github.com/relaysh/relay/internal/adapter/otel"
	"github.com/relaysh/relay/internal/adapter/postgres"
	"github.com/relaysh/relay/internal/config"
	"github.com/relaysh/relay/internal/executor/toolplan"
	"github.com/relaysh/relay/internal/logger"
	"github.com/relaysh/relay/internal/port/tool"
	"github.com/relaysh/relay/internal/resilience"
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

	slog.Info("config loaded",
		"consumer", cfg.Queue.ConsumerName(),
		"group", cfg.Queue.Group,
		"concurrency", cfg.Worker.Concurrency,
		"max_retries", cfg.Queue.MaxRetries,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := otel.Setup(ctx, cfg.Telemetry, cfg.Logging.Service+"-worker")
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

	q, err := relaynats.Connect(ctx, cfg.NATS.URL, cfg.Queue)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = q.Drain() }()

	// --- Worker ---

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	registry := tool.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		return fmt.Errorf("tools: %w", err)
	}

	store := postgres.NewStore(pool)
	exec := toolplan.New(registry, log)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	notifier := service.NewNotifier(cfg.Webhook, breaker, log)

	worker := service.NewWorker(q, store, exec, notifier, cfg.Worker, cfg.Queue, metrics, log)

	slog.Info("worker starting")
	if err := worker.Run(ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	slog.Info("worker stopped")
	return nil
}
