// Package ledger defines the run ledger port: durable storage for run
// lifecycle records and their append-only steps, artifacts and usage.
//
// All status mutations are conditional writes keyed on the current status so
// that two racing redeliveries of the same run cannot corrupt state: a write
// that finds zero matching rows returns domain.ErrConflict (or ErrNotFound
// when the run does not exist at all).
package ledger

import (
	"context"

	"github.com/relaysh/relay/internal/domain/run"
)

// RunFilter narrows ListRuns.
type RunFilter struct {
	Actor  string
	Status run.Status
	Limit  int
}

// Store is the port interface for the run ledger.
type Store interface {
	// CreateRun persists a new run. Returns domain.ErrDuplicateKey when the
	// run carries an idempotency key already bound to another run.
	CreateRun(ctx context.Context, r *run.Run) error

	// GetRun returns a run by ID, or domain.ErrNotFound.
	GetRun(ctx context.Context, id string) (*run.Run, error)

	// GetRunByIdempotencyKey returns the run bound to the key, or domain.ErrNotFound.
	GetRunByIdempotencyKey(ctx context.Context, key string) (*run.Run, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, f RunFilter) ([]run.Run, error)

	// MarkRunning moves a queued run to running. Re-marking an already
	// running run is a no-op (idempotent re-entry after redelivery).
	MarkRunning(ctx context.Context, id string) error

	// CompleteRun moves a running run to completed and stamps completion.
	CompleteRun(ctx context.Context, id string) error

	// FailRun moves a run in one of the from statuses to failed with the
	// given error message.
	FailRun(ctx context.Context, id, errMsg string, from ...run.Status) error

	// MarkDeadLettered moves a failed run to dead_letter.
	MarkDeadLettered(ctx context.Context, id string) error

	// ApproveRun moves a pending_approval run to queued.
	ApproveRun(ctx context.Context, id string) error

	// AppendStep inserts a step, assigning the next sequence number for the
	// run. Sequence numbers are unique and increasing per run.
	AppendStep(ctx context.Context, s *run.Step) error

	// ListSteps returns a run's steps in sequence order.
	ListSteps(ctx context.Context, runID string) ([]run.Step, error)

	// AddArtifact persists an artifact produced by a run.
	AddArtifact(ctx context.Context, a *run.Artifact) error

	// AddUsage persists one invocation-cost record.
	AddUsage(ctx context.Context, u *run.Usage) error
}
