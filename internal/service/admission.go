package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/relaysh/relay/internal/adapter/otel"
	"github.com/relaysh/relay/internal/config"
	"github.com/relaysh/relay/internal/domain"
	"github.com/relaysh/relay/internal/domain/admission"
	"github.com/relaysh/relay/internal/domain/job"
	"github.com/relaysh/relay/internal/domain/policy"
	"github.com/relaysh/relay/internal/domain/run"
	"github.com/relaysh/relay/internal/idempotency"
	"github.com/relaysh/relay/internal/logger"
	"github.com/relaysh/relay/internal/port/ledger"
	"github.com/relaysh/relay/internal/port/queue"
	"github.com/relaysh/relay/internal/ratelimit"
)

// enqueueAttempts bounds the publish retry loop before the gate rolls the
// run back to failed.
const enqueueAttempts = 3

// AdmitRequest is one request presented to the admission gate.
type AdmitRequest struct {
	Actor            string
	Goal             string
	Context          json.RawMessage
	MaxSteps         int
	TimeoutSeconds   int
	IdempotencyKey   string
	DryRun           bool
	WebhookURL       string
	Scopes           []string
	AutonomyOverride string
}

// Gate is the admission gate: it rate-limits, deduplicates, validates and
// either enqueues a run or holds it for approval. Every outcome is a tagged
// admission.Result; a returned error means infrastructure failed and the
// caller must answer fail-closed.
type Gate struct {
	limiter *ratelimit.Limiter
	idem    *idempotency.Ledger
	guard   *Guard
	store   ledger.Store
	queue   queue.Queue
	rate    config.Rate
	metrics *otel.Metrics
	log     *slog.Logger
}

// NewGate wires the admission gate.
func NewGate(limiter *ratelimit.Limiter, idem *idempotency.Ledger, guard *Guard,
	store ledger.Store, q queue.Queue, rate config.Rate, metrics *otel.Metrics, log *slog.Logger) *Gate {
	return &Gate{
		limiter: limiter,
		idem:    idem,
		guard:   guard,
		store:   store,
		queue:   q,
		rate:    rate,
		metrics: metrics,
		log:     log,
	}
}

// Admit runs a request through the gate: rate limit, idempotency, policy,
// durable run creation, then enqueue. The order matters: a rate-limited or
// duplicate request must not consume policy evaluation or create state, and
// a request that fails policy must not touch the queue.
func (g *Gate) Admit(ctx context.Context, req AdmitRequest) (admission.Result, error) {
	res, err := g.admit(ctx, req)
	if err == nil {
		g.count(ctx, res.Decision)
	}
	return res, err
}

func (g *Gate) admit(ctx context.Context, req AdmitRequest) (admission.Result, error) {
	limitKey, limit := g.classLimit(req)
	decision := g.limiter.CheckAndRecord(ctx, limitKey, limit, g.rate.Window)
	if !decision.Allowed {
		return admission.RateLimited(decision.RetryAfter), nil
	}

	if req.IdempotencyKey != "" {
		runID, ok, err := g.idem.Lookup(ctx, req.IdempotencyKey)
		if err != nil {
			return admission.Result{}, fmt.Errorf("idempotency lookup: %w", err)
		}
		if ok {
			return admission.Duplicate(runID), nil
		}
	}

	validation := g.guard.Validate(ctx, GuardRequest{
		Actor:            req.Actor,
		Goal:             req.Goal,
		Context:          req.Context,
		Scopes:           req.Scopes,
		AutonomyOverride: req.AutonomyOverride,
	})
	if !validation.Allowed {
		return admission.Forbidden(validation.Reason, validation.MissingScopes), nil
	}

	r, err := g.createRun(ctx, req, validation)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			existing, gerr := g.store.GetRunByIdempotencyKey(ctx, req.IdempotencyKey)
			if gerr != nil {
				return admission.Result{}, fmt.Errorf("resolve duplicate run: %w", gerr)
			}
			return admission.Duplicate(existing.ID), nil
		}
		return admission.Result{}, err
	}

	if req.IdempotencyKey != "" {
		existing, created, berr := g.idem.Bind(ctx, req.IdempotencyKey, r.ID)
		if berr != nil {
			// The ledger's unique constraint already holds; the KV fast
			// path will self-heal when the entry expires.
			g.log.Warn("idempotency bind failed", "run_id", r.ID, "error", berr)
		} else if !created && existing != r.ID {
			g.log.Warn("idempotency fast path disagrees with ledger",
				"run_id", r.ID, "kv_run_id", existing)
		}
	}

	if validation.RequiresApproval {
		g.log.Info("run held for approval",
			"run_id", r.ID, "actor", req.Actor,
			"autonomy_level", validation.AutonomyLevel, "risk_score", validation.RiskScore)
		return admission.PendingApproval(r.ID, validation.AutonomyLevel, validation.RiskScore), nil
	}

	if err := g.enqueue(ctx, r, req, validation.AutonomyLevel); err != nil {
		return admission.Result{}, err
	}

	g.log.Info("run queued", "run_id", r.ID, "actor", req.Actor,
		"autonomy_level", validation.AutonomyLevel)
	return admission.Queued(r.ID, validation.AutonomyLevel), nil
}

func (g *Gate) createRun(ctx context.Context, req AdmitRequest, v policy.Validation) (*run.Run, error) {
	payload, err := json.Marshal(run.Request{
		Actor:          req.Actor,
		Goal:           req.Goal,
		Context:        req.Context,
		MaxSteps:       req.MaxSteps,
		TimeoutSeconds: req.TimeoutSeconds,
		IdempotencyKey: req.IdempotencyKey,
		DryRun:         req.DryRun,
		WebhookURL:     req.WebhookURL,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request payload: %w", err)
	}

	status := run.StatusQueued
	if v.RequiresApproval {
		status = run.StatusPendingApproval
	}

	r := &run.Run{
		Actor:          req.Actor,
		RequestPayload: payload,
		Status:         status,
		AutonomyLevel:  string(v.AutonomyLevel),
		RiskScore:      v.RiskScore,
		TraceID:        logger.TraceID(ctx),
		IdempotencyKey: req.IdempotencyKey,
	}
	if err := g.store.CreateRun(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// enqueue publishes the job message, retrying transient failures. When every
// attempt fails the run is rolled back to failed so no caller is left
// polling a queued run that never reaches the stream.
func (g *Gate) enqueue(ctx context.Context, r *run.Run, req AdmitRequest, level policy.AutonomyLevel) error {
	msg := job.Message{
		RunID:         r.ID,
		Goal:          req.Goal,
		Actor:         req.Actor,
		AutonomyLevel: string(level),
		Context:       req.Context,
		MaxSteps:      req.MaxSteps,
		DryRun:        req.DryRun,
		WebhookURL:    req.WebhookURL,
		CreatedAt:     time.Now().UTC(),
	}

	var lastErr error
	for attempt := 1; attempt <= enqueueAttempts; attempt++ {
		lastErr = g.queue.Publish(ctx, msg)
		if lastErr == nil {
			return nil
		}
		g.log.Warn("enqueue attempt failed",
			"run_id", r.ID, "attempt", attempt, "error", lastErr)

		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = enqueueAttempts
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}

	// The loop may have exited because the caller disconnected; the rollback
	// must still reach the ledger or the run stays queued with no message.
	rbCtx := context.WithoutCancel(ctx)
	if err := g.store.FailRun(rbCtx, r.ID, "enqueue failed: "+lastErr.Error(), run.StatusQueued); err != nil {
		g.log.Error("enqueue rollback failed", "run_id", r.ID, "error", err)
	}
	if req.IdempotencyKey != "" {
		if err := g.idem.Release(rbCtx, req.IdempotencyKey); err != nil {
			g.log.Warn("idempotency release failed", "key", req.IdempotencyKey, "error", err)
		}
	}
	return fmt.Errorf("enqueue run %s: %w", r.ID, lastErr)
}

// classLimit picks the rate limit for the actor's class.
func (g *Gate) classLimit(req AdmitRequest) (key string, limit int) {
	switch {
	case req.Actor == "":
		return "anonymous", g.rate.Anonymous
	case policy.IsAdmin(req.Scopes):
		return "actor:" + req.Actor, g.rate.Admin
	default:
		return "actor:" + req.Actor, g.rate.PerActor
	}
}

func (g *Gate) count(ctx context.Context, d admission.Decision) {
	g.metrics.Admissions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("decision", string(d))))
}
