package service

import (
	"context"

	"github.com/relaysh/relay/internal/domain/run"
	"github.com/relaysh/relay/internal/port/ledger"
)

// maxListLimit caps ListRuns page sizes.
const maxListLimit = 200

// Runs is the read path behind the poll URLs.
type Runs struct {
	store ledger.Store
}

// NewRuns wires the run read service.
func NewRuns(store ledger.Store) *Runs {
	return &Runs{store: store}
}

// Get returns a run by ID.
func (s *Runs) Get(ctx context.Context, id string) (*run.Run, error) {
	return s.store.GetRun(ctx, id)
}

// List returns runs matching the filter, newest first. An unset or
// out-of-range limit is clamped.
func (s *Runs) List(ctx context.Context, f ledger.RunFilter) ([]run.Run, error) {
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	return s.store.ListRuns(ctx, f)
}

// Steps returns a run's steps in execution order. The run must exist.
func (s *Runs) Steps(ctx context.Context, runID string) ([]run.Step, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ListSteps(ctx, runID)
}
