package run

import (
	"encoding/json"
	"time"
)

// StepStatus is the state of one step within a run.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped" // dry_run: tool not invoked
)

// Step is one ordered sub-operation within a run's execution, typically a
// single tool invocation. Steps are append-only: the ledger assigns the
// sequence number on insert and rows are never edited afterwards.
type Step struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	Seq         int             `json:"seq"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Status      StepStatus      `json:"status"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Artifact is a durable output produced by a run (a document, a file URL,
// a created external resource).
type Artifact struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      string          `json:"type"`
	URL       string          `json:"url"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Usage is one invocation-cost record for a model call made during a run.
type Usage struct {
	ID               string    `json:"id"`
	RunID            string    `json:"run_id"`
	StepID           string    `json:"step_id,omitempty"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMS        int       `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}
