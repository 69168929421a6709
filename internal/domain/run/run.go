// Package run defines the Run ledger entities: the Run itself plus the
// Steps, Artifacts and Usage records appended during its execution.
package run

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a run.
// Transitions only move forward; see CanTransition.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusPendingApproval Status = "pending_approval"
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusDeadLetter      Status = "dead_letter"
)

// Terminal reports whether a run in this status will never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// CanTransition reports whether a run may move from one status to another.
// The lifecycle is strictly forward:
//
//	pending_approval → queued → running → completed
//	                                    → failed → dead_letter
//
// A queued run may also fail directly (enqueue rollback), and running → running
// is allowed so that redelivered jobs can re-enter idempotently.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPendingApproval:
		return to == StatusQueued || to == StatusFailed
	case StatusQueued:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusRunning || to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return to == StatusDeadLetter
	}
	return false
}

// Run is one end-to-end unit of requested work. The request payload is opaque
// to the pipeline; only the approval path decodes it (see run.Request).
type Run struct {
	ID             string          `json:"id"`
	Actor          string          `json:"actor"`
	RequestPayload json.RawMessage `json:"request_payload"`
	Status         Status          `json:"status"`
	AutonomyLevel  string          `json:"autonomy_level,omitempty"`
	RiskScore      float64         `json:"risk_score,omitempty"`
	TraceID        string          `json:"trace_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Request is the canonical shape of a run's request payload. The admission
// gate stores it verbatim; the approval path decodes it to rebuild the job
// message when a pending run is released.
type Request struct {
	Actor          string          `json:"actor"`
	Goal           string          `json:"goal"`
	Context        json.RawMessage `json:"context,omitempty"`
	MaxSteps       int             `json:"max_steps"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	DryRun         bool            `json:"dry_run"`
	WebhookURL     string          `json:"webhook_url,omitempty"`
}
