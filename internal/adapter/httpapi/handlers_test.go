package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaysh/relay/internal/adapter/httpapi"
	"github.com/relaysh/relay/internal/adapter/otel"
	"github.com/relaysh/relay/internal/config"
	"github.com/relaysh/relay/internal/domain"
	"github.com/relaysh/relay/internal/domain/job"
	"github.com/relaysh/relay/internal/domain/run"
	"github.com/relaysh/relay/internal/idempotency"
	"github.com/relaysh/relay/internal/port/kv"
	"github.com/relaysh/relay/internal/port/ledger"
	"github.com/relaysh/relay/internal/port/queue"
	"github.com/relaysh/relay/internal/port/tool"
	"github.com/relaysh/relay/internal/ratelimit"
	"github.com/relaysh/relay/internal/service"
)

// planContext is a one-tool plan requiring the notes:read scope.
const planContext = `{"plan":[{"tool":"notes.search","input":{"q":"standup"}}]}`

// ---------------------------------------------------------------------------
// In-memory ports
// ---------------------------------------------------------------------------

type memKV struct {
	mu      sync.Mutex
	rev     uint64
	entries map[string]kv.Entry
}

func newMemKV() *memKV { return &memKV{entries: map[string]kv.Entry{}} }

func (m *memKV) Get(_ context.Context, key string) (*kv.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, kv.ErrKeyNotFound
	}
	cp := e
	return &cp, nil
}

func (m *memKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return 0, kv.ErrKeyExists
	}
	m.rev++
	m.entries[key] = kv.Entry{Value: value, Revision: m.rev}
	return m.rev, nil
}

func (m *memKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.Revision != revision {
		return 0, kv.ErrRevisionMismatch
	}
	m.rev++
	m.entries[key] = kv.Entry{Value: value, Revision: m.rev}
	return m.rev, nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// memStore implements ledger.Store over maps, enforcing the same
// conditional-transition contract as the Postgres store.
type memStore struct {
	mu    sync.Mutex
	seq   int
	runs  map[string]*run.Run
	steps map[string][]run.Step
}

func newMemStore() *memStore {
	return &memStore{runs: map[string]*run.Run{}, steps: map[string][]run.Step{}}
}

func (s *memStore) CreateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.IdempotencyKey != "" {
		for _, existing := range s.runs {
			if existing.IdempotencyKey == r.IdempotencyKey {
				return domain.ErrDuplicateKey
			}
		}
	}
	s.seq++
	r.ID = fmt.Sprintf("run-%d", s.seq)
	r.CreatedAt = time.Now()
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *memStore) GetRun(_ context.Context, id string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) GetRunByIdempotencyKey(_ context.Context, key string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.IdempotencyKey == key {
			cp := *r
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) ListRuns(_ context.Context, f ledger.RunFilter) ([]run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []run.Run
	for _, r := range s.runs {
		if f.Actor != "" && r.Actor != f.Actor {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, *r)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) transition(id string, to run.Status, from ...run.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	for _, f := range from {
		if r.Status == f {
			r.Status = to
			return nil
		}
	}
	return domain.ErrConflict
}

func (s *memStore) MarkRunning(_ context.Context, id string) error {
	return s.transition(id, run.StatusRunning, run.StatusQueued, run.StatusRunning)
}

func (s *memStore) CompleteRun(_ context.Context, id string) error {
	return s.transition(id, run.StatusCompleted, run.StatusRunning)
}

func (s *memStore) FailRun(_ context.Context, id, errMsg string, from ...run.Status) error {
	if len(from) == 0 {
		from = []run.Status{run.StatusRunning}
	}
	if err := s.transition(id, run.StatusFailed, from...); err != nil {
		return err
	}
	s.mu.Lock()
	s.runs[id].ErrorMessage = errMsg
	s.mu.Unlock()
	return nil
}

func (s *memStore) MarkDeadLettered(_ context.Context, id string) error {
	return s.transition(id, run.StatusDeadLetter, run.StatusFailed)
}

func (s *memStore) ApproveRun(_ context.Context, id string) error {
	return s.transition(id, run.StatusQueued, run.StatusPendingApproval)
}

func (s *memStore) AppendStep(_ context.Context, st *run.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Seq = len(s.steps[st.RunID]) + 1
	s.steps[st.RunID] = append(s.steps[st.RunID], *st)
	return nil
}

func (s *memStore) ListSteps(_ context.Context, runID string) ([]run.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]run.Step(nil), s.steps[runID]...), nil
}

func (s *memStore) AddArtifact(_ context.Context, _ *run.Artifact) error { return nil }
func (s *memStore) AddUsage(_ context.Context, _ *run.Usage) error       { return nil }

type memQueue struct {
	mu        sync.Mutex
	published []job.Message
}

func (q *memQueue) Publish(_ context.Context, msg job.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, msg)
	return nil
}

func (q *memQueue) Claim(_ context.Context, _ int, _ time.Duration) ([]queue.Delivery, error) {
	return nil, nil
}

func (q *memQueue) Requeue(ctx context.Context, msg job.Message) error {
	msg.RetryCount++
	return q.Publish(ctx, msg)
}

func (q *memQueue) MoveToDeadLetter(_ context.Context, _ job.DeadLetter) error { return nil }

func (q *memQueue) count(t *testing.T) int {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.published)
}

type stubTool struct {
	name  string
	scope string
}

func (s stubTool) Name() string          { return s.name }
func (s stubTool) RequiredScope() string { return s.scope }

func (s stubTool) Execute(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type apiFixture struct {
	handler http.Handler
	store   *memStore
	queue   *memQueue
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry := tool.NewRegistry()
	if err := registry.Register(stubTool{name: "notes.search", scope: "notes:read"}); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	metrics, err := otel.NewMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	store := newMemStore()
	q := &memQueue{}
	guard := service.NewGuard(config.Policy{
		DefaultAutonomy: "L2_ExecuteNotify",
		RiskThreshold:   0.7,
	}, registry, log)
	idem := idempotency.New(newMemKV(), newMemCache(), time.Minute)
	limiter := ratelimit.New(newMemKV())
	gate := service.NewGate(limiter, idem, guard, store, q, config.Rate{
		Window:    time.Minute,
		PerActor:  5,
		Admin:     10,
		Anonymous: 2,
	}, metrics, log)

	h := &httpapi.Handlers{
		Gate:      gate,
		Runs:      service.NewRuns(store),
		Approvals: service.NewApprovals(store, q, log),
		Log:       log,
	}

	r := chi.NewRouter()
	httpapi.MountRoutes(r, h)

	return &apiFixture{handler: r, store: store, queue: q}
}

func (f *apiFixture) act(t *testing.T, actor, scopes string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/act", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Relay-Actor", actor)
	}
	if scopes != "" {
		req.Header.Set("X-Relay-Scopes", scopes)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func planBody(goal string) map[string]any {
	return map[string]any{
		"goal":    goal,
		"context": json.RawMessage(planContext),
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestActQueued(t *testing.T) {
	f := newAPI(t)

	rec := f.act(t, "alice", "notes:read", planBody("summarize this week's notes"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	resp := decodeBody[struct {
		RunID   string `json:"run_id"`
		Status  string `json:"status"`
		PollURL string `json:"poll_url"`
	}](t, rec)
	if resp.RunID == "" {
		t.Fatal("run_id is empty")
	}
	if resp.Status != "queued" {
		t.Errorf("status = %q, want queued", resp.Status)
	}
	if want := "/api/v1/runs/" + resp.RunID; resp.PollURL != want {
		t.Errorf("poll_url = %q, want %q", resp.PollURL, want)
	}
	if got := f.queue.count(t); got != 1 {
		t.Fatalf("published %d messages, want 1", got)
	}
	if f.queue.published[0].RunID != resp.RunID {
		t.Errorf("published run %q, want %q", f.queue.published[0].RunID, resp.RunID)
	}
}

func TestActRequiresGoal(t *testing.T) {
	f := newAPI(t)

	rec := f.act(t, "alice", "notes:read", map[string]any{"context": json.RawMessage(planContext)})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestActRejectsMalformedBody(t *testing.T) {
	f := newAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/act", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestActForbiddenMissingScopes(t *testing.T) {
	f := newAPI(t)

	rec := f.act(t, "alice", "", planBody("summarize this week's notes"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}

	resp := decodeBody[struct {
		Error         string   `json:"error"`
		MissingScopes []string `json:"missing_scopes"`
	}](t, rec)
	if len(resp.MissingScopes) != 1 || resp.MissingScopes[0] != "notes:read" {
		t.Errorf("missing_scopes = %v, want [notes:read]", resp.MissingScopes)
	}
	if got := f.queue.count(t); got != 0 {
		t.Errorf("published %d messages, want 0", got)
	}
}

func TestActAutonomyOverrideRequiresAdmin(t *testing.T) {
	f := newAPI(t)

	body := planBody("summarize this week's notes")
	body["autonomy_override"] = "L3_ExecuteSilent"

	rec := f.act(t, "alice", "notes:read", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}

	rec = f.act(t, "root", "*", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("admin override status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
}

func TestActRateLimitedAnonymous(t *testing.T) {
	f := newAPI(t)

	// Anonymous class limit is 2 in this fixture.
	for i := 0; i < 2; i++ {
		if rec := f.act(t, "", "notes:read", planBody("summarize notes")); rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: status = %d, want 202: %s", i+1, rec.Code, rec.Body.String())
		}
	}

	rec := f.act(t, "", "notes:read", planBody("summarize notes"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header not set")
	}
	resp := decodeBody[struct {
		RetryAfterSeconds int `json:"retry_after_seconds"`
	}](t, rec)
	if resp.RetryAfterSeconds < 1 || resp.RetryAfterSeconds > 60 {
		t.Errorf("retry_after_seconds = %d, want within (0, 60]", resp.RetryAfterSeconds)
	}
}

func TestActDuplicateIdempotencyKey(t *testing.T) {
	f := newAPI(t)

	body := planBody("summarize this week's notes")
	body["idempotency_key"] = "idem-123"

	first := f.act(t, "alice", "notes:read", body)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first status = %d, want 202: %s", first.Code, first.Body.String())
	}
	firstResp := decodeBody[struct {
		RunID string `json:"run_id"`
	}](t, first)

	second := f.act(t, "alice", "notes:read", body)
	if second.Code != http.StatusConflict {
		t.Fatalf("second status = %d, want 409: %s", second.Code, second.Body.String())
	}
	secondResp := decodeBody[struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}](t, second)
	if secondResp.RunID != firstResp.RunID {
		t.Errorf("duplicate run_id = %q, want %q", secondResp.RunID, firstResp.RunID)
	}
	if secondResp.Status != "duplicate" {
		t.Errorf("status = %q, want duplicate", secondResp.Status)
	}
	if got := f.queue.count(t); got != 1 {
		t.Errorf("published %d messages, want 1", got)
	}
}

func TestActPendingApprovalOnHighRisk(t *testing.T) {
	f := newAPI(t)

	rec := f.act(t, "alice", "notes:read", planBody("delete the production database credentials"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	resp := decodeBody[struct {
		RunID     string  `json:"run_id"`
		Status    string  `json:"status"`
		RiskScore float64 `json:"risk_score"`
	}](t, rec)
	if resp.Status != "pending_approval" {
		t.Fatalf("status = %q, want pending_approval", resp.Status)
	}
	if resp.RiskScore < 0.7 {
		t.Errorf("risk_score = %v, want >= 0.7", resp.RiskScore)
	}
	if got := f.queue.count(t); got != 0 {
		t.Errorf("published %d messages, want 0 before approval", got)
	}
}

func TestGetRun(t *testing.T) {
	f := newAPI(t)

	rec := f.act(t, "alice", "notes:read", planBody("summarize notes"))
	created := decodeBody[struct {
		RunID   string `json:"run_id"`
		PollURL string `json:"poll_url"`
	}](t, rec)

	got := f.get(t, created.PollURL)
	if got.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", got.Code, got.Body.String())
	}
	rn := decodeBody[run.Run](t, got)
	if rn.ID != created.RunID {
		t.Errorf("id = %q, want %q", rn.ID, created.RunID)
	}
	if rn.Status != run.StatusQueued {
		t.Errorf("status = %q, want queued", rn.Status)
	}
}

func TestGetRunNotFound(t *testing.T) {
	f := newAPI(t)

	rec := f.get(t, "/api/v1/runs/no-such-run")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListRunsFilterByActor(t *testing.T) {
	f := newAPI(t)

	f.act(t, "alice", "notes:read", planBody("summarize notes"))
	f.act(t, "bob", "notes:read", planBody("summarize notes"))

	rec := f.get(t, "/api/v1/runs?actor=alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[struct {
		Runs []run.Run `json:"runs"`
	}](t, rec)
	if len(resp.Runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(resp.Runs))
	}
	if resp.Runs[0].Actor != "alice" {
		t.Errorf("actor = %q, want alice", resp.Runs[0].Actor)
	}
}

func TestListRunsRejectsUnknownStatus(t *testing.T) {
	f := newAPI(t)

	rec := f.get(t, "/api/v1/runs?status=sideways")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListRunSteps(t *testing.T) {
	f := newAPI(t)

	rec := f.act(t, "alice", "notes:read", planBody("summarize notes"))
	created := decodeBody[struct {
		RunID string `json:"run_id"`
	}](t, rec)

	got := f.get(t, "/api/v1/runs/"+created.RunID+"/steps")
	if got.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", got.Code, got.Body.String())
	}
	resp := decodeBody[struct {
		RunID string     `json:"run_id"`
		Steps []run.Step `json:"steps"`
	}](t, got)
	if resp.RunID != created.RunID {
		t.Errorf("run_id = %q, want %q", resp.RunID, created.RunID)
	}
	if len(resp.Steps) != 0 {
		t.Errorf("got %d steps before execution, want 0", len(resp.Steps))
	}

	if notFound := f.get(t, "/api/v1/runs/no-such-run/steps"); notFound.Code != http.StatusNotFound {
		t.Errorf("unknown run steps status = %d, want 404", notFound.Code)
	}
}

func TestApproveRun(t *testing.T) {
	f := newAPI(t)

	rec := f.act(t, "alice", "notes:read", planBody("delete the production database credentials"))
	created := decodeBody[struct {
		RunID string `json:"run_id"`
	}](t, rec)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/"+created.RunID, nil)
	got := httptest.NewRecorder()
	f.handler.ServeHTTP(got, req)
	if got.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", got.Code, got.Body.String())
	}
	rn := decodeBody[run.Run](t, got)
	if rn.Status != run.StatusQueued {
		t.Errorf("status = %q, want queued", rn.Status)
	}
	if f.queue.count(t) != 1 {
		t.Fatalf("published %d messages, want 1 after approval", f.queue.count(t))
	}

	// Approving again conflicts: the run already left pending_approval.
	again := httptest.NewRecorder()
	f.handler.ServeHTTP(again, httptest.NewRequest(http.MethodPost, "/api/v1/approvals/"+created.RunID, nil))
	if again.Code != http.StatusConflict {
		t.Errorf("second approval status = %d, want 409", again.Code)
	}
}

func TestApproveUnknownRun(t *testing.T) {
	f := newAPI(t)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/approvals/no-such-run", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newAPI(t)

	rec := f.get(t, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
