package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaysh/relay/internal/domain/job"
	"github.com/relaysh/relay/internal/domain/run"
	"github.com/relaysh/relay/internal/port/ledger"
	"github.com/relaysh/relay/internal/port/queue"
)

// Approvals releases runs held in pending_approval into the queue.
type Approvals struct {
	store ledger.Store
	queue queue.Queue
	log   *slog.Logger
}

// NewApprovals wires the approval service.
func NewApprovals(store ledger.Store, q queue.Queue, log *slog.Logger) *Approvals {
	return &Approvals{store: store, queue: q, log: log}
}

// Approve moves a pending run to queued and publishes its job message,
// rebuilt from the stored request payload. Only pending_approval runs can be
// approved; anything else returns domain.ErrConflict from the ledger.
func (a *Approvals) Approve(ctx context.Context, runID string) (*run.Run, error) {
	r, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	var req run.Request
	if err := json.Unmarshal(r.RequestPayload, &req); err != nil {
		return nil, fmt.Errorf("decode request payload for run %s: %w", runID, err)
	}

	if err := a.store.ApproveRun(ctx, runID); err != nil {
		return nil, err
	}

	msg := job.Message{
		RunID:         r.ID,
		Goal:          req.Goal,
		Actor:         r.Actor,
		AutonomyLevel: r.AutonomyLevel,
		Context:       req.Context,
		MaxSteps:      req.MaxSteps,
		DryRun:        req.DryRun,
		WebhookURL:    req.WebhookURL,
		CreatedAt:     time.Now().UTC(),
	}
	if err := a.queue.Publish(ctx, msg); err != nil {
		// The run is already queued in the ledger; roll it to failed so it
		// is not stranded invisible to the workers. The rollback runs off
		// the request context in case the approver already disconnected.
		if ferr := a.store.FailRun(context.WithoutCancel(ctx), runID, "enqueue after approval failed: "+err.Error(), run.StatusQueued); ferr != nil {
			a.log.Error("approval rollback failed", "run_id", runID, "error", ferr)
		}
		return nil, fmt.Errorf("enqueue approved run %s: %w", runID, err)
	}

	a.log.Info("run approved and queued", "run_id", runID, "actor", r.Actor)
	r.Status = run.StatusQueued
	return r, nil
}
