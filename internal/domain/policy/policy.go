// Package policy defines the admission policy model: autonomy levels,
// actor scopes, and the validation result returned by the policy guard.
package policy

import "fmt"

// AutonomyLevel controls how much a run may do without a human in the loop.
type AutonomyLevel string

const (
	// L0Ask returns a plan for approval before anything executes.
	L0Ask AutonomyLevel = "L0_Ask"
	// L1Draft executes with dry_run forced on and holds results for approval.
	L1Draft AutonomyLevel = "L1_Draft"
	// L2ExecuteNotify executes and notifies the caller.
	L2ExecuteNotify AutonomyLevel = "L2_ExecuteNotify"
	// L3ExecuteSilent executes without notification.
	L3ExecuteSilent AutonomyLevel = "L3_ExecuteSilent"
)

// ParseAutonomyLevel validates a level string.
func ParseAutonomyLevel(s string) (AutonomyLevel, error) {
	switch AutonomyLevel(s) {
	case L0Ask, L1Draft, L2ExecuteNotify, L3ExecuteSilent:
		return AutonomyLevel(s), nil
	}
	return "", fmt.Errorf("unknown autonomy level %q", s)
}

// RequiresApproval reports whether the level itself mandates a human
// approval step before execution, independent of the risk score.
func (l AutonomyLevel) RequiresApproval() bool {
	return l == L0Ask || l == L1Draft
}

// Validation is the policy guard's decision for one admission request.
type Validation struct {
	Allowed          bool          `json:"allowed"`
	Reason           string        `json:"reason,omitempty"`
	RequiredScopes   []string      `json:"required_scopes,omitempty"`
	MissingScopes    []string      `json:"missing_scopes,omitempty"`
	AutonomyLevel    AutonomyLevel `json:"autonomy_level"`
	RiskScore        float64       `json:"risk_score"`
	RequiresApproval bool          `json:"requires_approval"`
}
