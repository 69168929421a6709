// Package toolplan implements the default job executor: it reads a plan of
// tool invocations from the job's context and runs them in order through the
// tool registry, recording one step per invocation.
package toolplan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaysh/relay/internal/domain/run"
	"github.com/relaysh/relay/internal/port/executor"
	"github.com/relaysh/relay/internal/port/tool"
)

// planEnvelope is the portion of the job context the executor understands.
type planEnvelope struct {
	Plan []invocation `json:"plan"`
}

// invocation is one planned tool call.
type invocation struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Executor runs tool plans. Implements executor.Executor.
type Executor struct {
	registry *tool.Registry
	log      *slog.Logger
	now      func() time.Time
}

// New creates a plan executor over the given registry.
func New(registry *tool.Registry, log *slog.Logger) *Executor {
	return &Executor{registry: registry, log: log, now: time.Now}
}

// Execute runs the plan embedded in the request context. Each invocation
// becomes one step. In dry-run mode tools are resolved but not invoked and
// every step is recorded as skipped. The first failing invocation aborts the
// plan and fails the attempt; steps already recorded are returned so the
// worker can persist partial progress before the retry.
func (e *Executor) Execute(ctx context.Context, req executor.Request) (*executor.Outcome, error) {
	var env planEnvelope
	if len(req.Context) > 0 {
		if err := json.Unmarshal(req.Context, &env); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
	}

	if len(env.Plan) == 0 {
		// A goal with no plan completes immediately with an empty result.
		return &executor.Outcome{Result: json.RawMessage(`{}`)}, nil
	}

	maxSteps := req.MaxSteps
	if maxSteps > 0 && len(env.Plan) > maxSteps {
		return nil, fmt.Errorf("plan has %d invocations, limit is %d", len(env.Plan), maxSteps)
	}

	out := &executor.Outcome{}
	var lastOutput json.RawMessage

	for i, inv := range env.Plan {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		t, err := e.registry.Get(inv.Tool)
		if err != nil {
			out.Steps = append(out.Steps, e.failedStep(req.RunID, inv, err))
			return out, fmt.Errorf("invocation %d: %w", i, err)
		}

		if req.DryRun {
			out.Steps = append(out.Steps, run.Step{
				RunID:     req.RunID,
				Name:      inv.Tool,
				Input:     inv.Input,
				Status:    run.StepSkipped,
				StartedAt: e.now(),
			})
			continue
		}

		started := e.now()
		output, err := t.Execute(ctx, inv.Input)
		finished := e.now()

		if err != nil {
			e.log.Warn("tool invocation failed",
				"run_id", req.RunID, "tool", inv.Tool, "error", err)
			st := e.failedStep(req.RunID, inv, err)
			st.StartedAt = started
			st.CompletedAt = &finished
			out.Steps = append(out.Steps, st)
			return out, fmt.Errorf("invocation %d (%s): %w", i, inv.Tool, err)
		}

		out.Steps = append(out.Steps, run.Step{
			RunID:       req.RunID,
			Name:        inv.Tool,
			Input:       inv.Input,
			Output:      output,
			Status:      run.StepCompleted,
			StartedAt:   started,
			CompletedAt: &finished,
		})
		lastOutput = output
	}

	if req.DryRun {
		out.Result = json.RawMessage(`{"dry_run":true}`)
		return out, nil
	}

	out.Result = lastOutput
	if out.Result == nil {
		out.Result = json.RawMessage(`{}`)
	}
	return out, nil
}

func (e *Executor) failedStep(runID string, inv invocation, err error) run.Step {
	return run.Step{
		RunID:     runID,
		Name:      inv.Tool,
		Input:     inv.Input,
		Status:    run.StepFailed,
		Error:     err.Error(),
		StartedAt: e.now(),
	}
}
