package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/relaysh/relay/internal/domain/admission"
	"github.com/relaysh/relay/internal/domain/run"
	"github.com/relaysh/relay/internal/port/ledger"
	"github.com/relaysh/relay/internal/service"
)

// Identity headers set by the edge after credential validation. Token
// checking itself lives upstream; by the time a request reaches these
// handlers the actor and its scopes are facts, not claims.
const (
	headerActor  = "X-Relay-Actor"
	headerScopes = "X-Relay-Scopes"
)

// Handlers holds the service dependencies for all API endpoints.
type Handlers struct {
	Gate      *service.Gate
	Runs      *service.Runs
	Approvals *service.Approvals
	Log       *slog.Logger
}

// actRequest is the body of POST /act.
type actRequest struct {
	Goal             string          `json:"goal"`
	Context          json.RawMessage `json:"context,omitempty"`
	MaxSteps         int             `json:"max_steps,omitempty"`
	TimeoutSeconds   int             `json:"timeout_seconds,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	DryRun           bool            `json:"dry_run,omitempty"`
	WebhookURL       string          `json:"webhook_url,omitempty"`
	AutonomyOverride string          `json:"autonomy_override,omitempty"`
}

type actAccepted struct {
	RunID         string  `json:"run_id"`
	Status        string  `json:"status"`
	AutonomyLevel string  `json:"autonomy_level,omitempty"`
	RiskScore     float64 `json:"risk_score,omitempty"`
	PollURL       string  `json:"poll_url"`
}

type actDuplicate struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	PollURL string `json:"poll_url"`
}

type actForbidden struct {
	Error         string   `json:"error"`
	MissingScopes []string `json:"missing_scopes,omitempty"`
}

type actRateLimited struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// Act handles POST /act: admit a request into the pipeline.
func (h *Handlers) Act(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[actRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, body.Goal, "goal") {
		return
	}

	res, err := h.Gate.Admit(r.Context(), service.AdmitRequest{
		Actor:            r.Header.Get(headerActor),
		Goal:             body.Goal,
		Context:          body.Context,
		MaxSteps:         body.MaxSteps,
		TimeoutSeconds:   body.TimeoutSeconds,
		IdempotencyKey:   body.IdempotencyKey,
		DryRun:           body.DryRun,
		WebhookURL:       body.WebhookURL,
		Scopes:           splitScopes(r.Header.Get(headerScopes)),
		AutonomyOverride: body.AutonomyOverride,
	})
	if err != nil {
		// Infrastructure failure: the gate fails closed.
		h.Log.Error("admission failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable, retry later")
		return
	}

	switch res.Decision {
	case admission.DecisionQueued, admission.DecisionPendingApproval:
		writeJSON(w, http.StatusAccepted, actAccepted{
			RunID:         res.RunID,
			Status:        string(res.Decision),
			AutonomyLevel: string(res.AutonomyLevel),
			RiskScore:     res.RiskScore,
			PollURL:       pollURL(res.RunID),
		})
	case admission.DecisionDuplicate:
		writeJSON(w, http.StatusConflict, actDuplicate{
			RunID:   res.RunID,
			Status:  string(res.Decision),
			PollURL: pollURL(res.RunID),
		})
	case admission.DecisionForbidden:
		writeJSON(w, http.StatusForbidden, actForbidden{
			Error:         res.Reason,
			MissingScopes: res.MissingScopes,
		})
	case admission.DecisionRateLimited:
		secs := int(res.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, actRateLimited{
			Error:             "rate limit exceeded",
			RetryAfterSeconds: secs,
		})
	default:
		h.Log.Error("unknown admission decision", "decision", res.Decision)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

type runListResponse struct {
	Runs  []run.Run `json:"runs"`
	Limit int       `json:"limit"`
}

// ListRuns handles GET /runs.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	f := ledger.RunFilter{Actor: r.URL.Query().Get("actor")}

	if s := r.URL.Query().Get("status"); s != "" {
		st := run.Status(s)
		if !validStatus(st) {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(s))
			return
		}
		f.Status = st
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	runs, err := h.Runs.List(r.Context(), f)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if runs == nil {
		runs = []run.Run{}
	}
	writeJSON(w, http.StatusOK, runListResponse{Runs: runs, Limit: f.Limit})
}

// GetRun handles GET /runs/{id}: the poll_url target.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	rn, err := h.Runs.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

type stepListResponse struct {
	RunID string     `json:"run_id"`
	Steps []run.Step `json:"steps"`
}

// ListRunSteps handles GET /runs/{id}/steps.
func (h *Handlers) ListRunSteps(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	steps, err := h.Runs.Steps(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	if steps == nil {
		steps = []run.Step{}
	}
	writeJSON(w, http.StatusOK, stepListResponse{RunID: id, Steps: steps})
}

// ApproveRun handles POST /approvals/{run_id}: release a pending run into
// the queue.
func (h *Handlers) ApproveRun(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "run_id")

	rn, err := h.Approvals.Approve(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

func pollURL(runID string) string {
	return "/api/v1/runs/" + runID
}

func splitScopes(header string) []string {
	if header == "" {
		return nil
	}
	var scopes []string
	for _, s := range strings.Split(header, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

func validStatus(s run.Status) bool {
	switch s {
	case run.StatusQueued, run.StatusPendingApproval, run.StatusRunning,
		run.StatusCompleted, run.StatusFailed, run.StatusDeadLetter:
		return true
	}
	return false
}
