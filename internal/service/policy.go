// Package service implements the pipeline's use cases: the admission gate,
// the queue worker, the approval path, the run read path and the webhook
// notifier. Services depend only on ports and domain types; adapters are
// injected at startup.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/relaysh/relay/internal/config"
	"github.com/relaysh/relay/internal/domain/policy"
	"github.com/relaysh/relay/internal/port/tool"
)

// GuardRequest is one admission request as seen by the policy guard.
type GuardRequest struct {
	Actor            string
	Goal             string
	Context          json.RawMessage
	Scopes           []string // scopes granted to the actor
	AutonomyOverride string   // admin-only; empty means use the default
}

// Guard evaluates admission requests against scopes, autonomy policy and a
// risk score. It is a pure predicate: the gate acts on the Validation, the
// guard itself never touches storage.
type Guard struct {
	cfg      config.Policy
	registry *tool.Registry
	log      *slog.Logger
}

// NewGuard creates a policy guard over the given tool registry.
func NewGuard(cfg config.Policy, registry *tool.Registry, log *slog.Logger) *Guard {
	return &Guard{cfg: cfg, registry: registry, log: log}
}

// Validate decides whether a request may proceed and under which autonomy
// level. A denied Validation carries the reason and any missing scopes.
func (g *Guard) Validate(_ context.Context, req GuardRequest) policy.Validation {
	level := policy.AutonomyLevel(g.cfg.DefaultAutonomy)
	if req.AutonomyOverride != "" {
		parsed, err := policy.ParseAutonomyLevel(req.AutonomyOverride)
		if err != nil {
			return policy.Validation{Allowed: false, Reason: err.Error()}
		}
		if !policy.IsAdmin(req.Scopes) {
			return policy.Validation{
				Allowed: false,
				Reason:  "autonomy override requires admin scope",
			}
		}
		level = parsed
	}

	required, err := g.requiredScopes(req.Context)
	if err != nil {
		return policy.Validation{Allowed: false, Reason: err.Error()}
	}

	missing := policy.MissingScopes(required, req.Scopes)
	if len(missing) > 0 {
		return policy.Validation{
			Allowed:        false,
			Reason:         "missing required scopes",
			RequiredScopes: required,
			MissingScopes:  missing,
			AutonomyLevel:  level,
		}
	}

	risk := riskScore(req.Goal, required)

	return policy.Validation{
		Allowed:          true,
		RequiredScopes:   required,
		AutonomyLevel:    level,
		RiskScore:        risk,
		RequiresApproval: level.RequiresApproval() || risk >= g.cfg.RiskThreshold,
	}
}

// requiredScopes resolves the scopes the request's tool plan needs. A plan
// naming an unregistered tool is rejected here rather than failing later in
// the worker.
func (g *Guard) requiredScopes(rawContext json.RawMessage) ([]string, error) {
	if len(rawContext) == 0 {
		return nil, nil
	}

	var env struct {
		Plan []struct {
			Tool string `json:"tool"`
		} `json:"plan"`
	}
	if err := json.Unmarshal(rawContext, &env); err != nil {
		return nil, fmt.Errorf("malformed context: %w", err)
	}

	seen := make(map[string]bool)
	var required []string
	for _, inv := range env.Plan {
		t, err := g.registry.Get(inv.Tool)
		if err != nil {
			return nil, err
		}
		scope := t.RequiredScope()
		if scope == "" || seen[scope] {
			continue
		}
		seen[scope] = true
		required = append(required, scope)
	}
	sort.Strings(required)
	return required, nil
}

// riskKeywords maps goal keywords to the risk they contribute. Destructive
// and financially sensitive vocabulary pushes a request toward the approval
// threshold even when scopes alone would let it through.
var riskKeywords = map[string]float64{
	"delete":     0.3,
	"drop":       0.3,
	"destroy":    0.3,
	"wipe":       0.3,
	"purge":      0.3,
	"production": 0.2,
	"payment":    0.4,
	"transfer":   0.4,
	"refund":     0.4,
	"credential": 0.4,
	"secret":     0.4,
	"password":   0.4,
}

// riskScore computes a 0..1 score from the goal text and the write scopes
// the plan requires.
func riskScore(goal string, requiredScopes []string) float64 {
	score := 0.0
	lower := strings.ToLower(goal)
	for word, weight := range riskKeywords {
		if strings.Contains(lower, word) {
			score += weight
		}
	}
	for _, scope := range requiredScopes {
		if strings.HasSuffix(scope, ":write") {
			score += 0.1
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
