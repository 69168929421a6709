// Package admission defines the tagged result type returned by the admission
// gate. Every outcome is a value the caller must switch on; admission
// decisions are never signalled through errors.
package admission

import (
	"time"

	"github.com/relaysh/relay/internal/domain/policy"
)

// Decision tags the admission outcome.
type Decision string

const (
	DecisionQueued          Decision = "queued"
	DecisionPendingApproval Decision = "pending_approval"
	DecisionDuplicate       Decision = "duplicate"
	DecisionForbidden       Decision = "forbidden"
	DecisionRateLimited     Decision = "rate_limited"
)

// Result is the admission gate's answer to one request. Which fields are
// populated depends on the Decision tag.
type Result struct {
	Decision      Decision
	RunID         string               // queued, pending_approval, duplicate
	AutonomyLevel policy.AutonomyLevel // queued, pending_approval
	RiskScore     float64              // pending_approval
	Reason        string               // forbidden
	MissingScopes []string             // forbidden
	RetryAfter    time.Duration        // rate_limited
}

// Queued reports an accepted and enqueued run.
func Queued(runID string, level policy.AutonomyLevel) Result {
	return Result{Decision: DecisionQueued, RunID: runID, AutonomyLevel: level}
}

// PendingApproval reports a run held for human approval.
func PendingApproval(runID string, level policy.AutonomyLevel, risk float64) Result {
	return Result{Decision: DecisionPendingApproval, RunID: runID, AutonomyLevel: level, RiskScore: risk}
}

// Duplicate reports that a live idempotency key already maps to a run.
func Duplicate(runID string) Result {
	return Result{Decision: DecisionDuplicate, RunID: runID}
}

// Forbidden reports a policy denial.
func Forbidden(reason string, missingScopes []string) Result {
	return Result{Decision: DecisionForbidden, Reason: reason, MissingScopes: missingScopes}
}

// RateLimited reports that the actor's window is at capacity.
func RateLimited(retryAfter time.Duration) Result {
	return Result{Decision: DecisionRateLimited, RetryAfter: retryAfter}
}
