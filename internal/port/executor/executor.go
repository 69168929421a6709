// Package executor defines the job execution port. The worker treats
// execution as an opaque function of the job's goal and context; the
// concrete engine (tool plan runner, LLM loop) is injected at startup.
package executor

import (
	"context"
	"encoding/json"

	"github.com/relaysh/relay/internal/domain/run"
)

// Request carries the execution parameters from a claimed job message.
type Request struct {
	RunID         string
	Goal          string
	Actor         string
	AutonomyLevel string
	Context       json.RawMessage
	MaxSteps      int
	DryRun        bool
}

// Outcome is the result of executing a job. Steps are reported in execution
// order; the ledger assigns their sequence numbers on append.
type Outcome struct {
	Result    json.RawMessage
	Steps     []run.Step
	Artifacts []run.Artifact
	Usage     []run.Usage
}

// Executor runs one job to completion within the given context. A returned
// error means the attempt failed and follows the retry path; the context's
// deadline is the job's overall timeout.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Outcome, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, req Request) (*Outcome, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, req Request) (*Outcome, error) {
	return f(ctx, req)
}
