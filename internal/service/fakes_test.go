package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/relaysh/relay/internal/adapter/otel"
	"github.com/relaysh/relay/internal/domain"
	"github.com/relaysh/relay/internal/domain/job"
	"github.com/relaysh/relay/internal/domain/run"
	"github.com/relaysh/relay/internal/port/kv"
	"github.com/relaysh/relay/internal/port/ledger"
	"github.com/relaysh/relay/internal/port/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics(t *testing.T) *otel.Metrics {
	t.Helper()
	m, err := otel.NewMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	return m
}

// --- fake ledger store ---

type fakeStore struct {
	mu        sync.Mutex
	runs      map[string]*run.Run
	steps     map[string][]run.Step
	artifacts map[string][]run.Artifact
	usage     map[string][]run.Usage
	nextID    int

	createErr error // injected CreateRun failure
	failErr   error // injected FailRun failure
	strictCtx bool  // reject writes on a cancelled context, like pgx would
}

func (s *fakeStore) ctxErr(ctx context.Context) error {
	if !s.strictCtx {
		return nil
	}
	return ctx.Err()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:      make(map[string]*run.Run),
		steps:     make(map[string][]run.Step),
		artifacts: make(map[string][]run.Artifact),
		usage:     make(map[string][]run.Usage),
	}
}

func (s *fakeStore) CreateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if r.IdempotencyKey != "" {
		for _, existing := range s.runs {
			if existing.IdempotencyKey == r.IdempotencyKey {
				return fmt.Errorf("create run: %w", domain.ErrDuplicateKey)
			}
		}
	}
	s.nextID++
	r.ID = "run-" + strconv.Itoa(s.nextID)
	r.CreatedAt = time.Now()
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *fakeStore) GetRun(_ context.Context, id string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", id, domain.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) GetRunByIdempotencyKey(_ context.Context, key string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.IdempotencyKey == key {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("get run by key: %w", domain.ErrNotFound)
}

func (s *fakeStore) ListRuns(_ context.Context, f ledger.RunFilter) ([]run.Run, error) {
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
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) transition(id string, to run.Status, from ...run.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	for _, st := range from {
		if r.Status == st {
			r.Status = to
			return nil
		}
	}
	return fmt.Errorf("run %s in %s: %w", id, r.Status, domain.ErrConflict)
}

func (s *fakeStore) MarkRunning(_ context.Context, id string) error {
	return s.transition(id, run.StatusRunning, run.StatusQueued, run.StatusRunning)
}

func (s *fakeStore) CompleteRun(_ context.Context, id string) error {
	return s.transition(id, run.StatusCompleted, run.StatusRunning)
}

func (s *fakeStore) FailRun(ctx context.Context, id, errMsg string, from ...run.Status) error {
	if err := s.ctxErr(ctx); err != nil {
		return err
	}
	if s.failErr != nil {
		return s.failErr
	}
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

func (s *fakeStore) MarkDeadLettered(_ context.Context, id string) error {
	return s.transition(id, run.StatusDeadLetter, run.StatusFailed)
}

func (s *fakeStore) ApproveRun(_ context.Context, id string) error {
	return s.transition(id, run.StatusQueued, run.StatusPendingApproval)
}

func (s *fakeStore) AppendStep(_ context.Context, st *run.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Seq = len(s.steps[st.RunID]) + 1
	st.ID = fmt.Sprintf("step-%s-%d", st.RunID, st.Seq)
	s.steps[st.RunID] = append(s.steps[st.RunID], *st)
	return nil
}

func (s *fakeStore) ListSteps(_ context.Context, runID string) ([]run.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]run.Step(nil), s.steps[runID]...), nil
}

func (s *fakeStore) AddArtifact(_ context.Context, a *run.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[a.RunID] = append(s.artifacts[a.RunID], *a)
	return nil
}

func (s *fakeStore) AddUsage(_ context.Context, u *run.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[u.RunID] = append(s.usage[u.RunID], *u)
	return nil
}

func (s *fakeStore) status(t *testing.T, id string) run.Status {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		t.Fatalf("run %s not in store", id)
	}
	return r.Status
}

// --- fake queue ---

type fakeQueue struct {
	mu           sync.Mutex
	published    []job.Message
	dead         []job.DeadLetter
	publishFails int    // fail the first N publishes
	publishErr   error  // error returned for injected failures
	deadErr      error  // injected MoveToDeadLetter failure
	onPublish    func() // invoked on each failed publish
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{publishErr: fmt.Errorf("stream unavailable")}
}

func (q *fakeQueue) Publish(_ context.Context, msg job.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishFails > 0 {
		q.publishFails--
		if q.onPublish != nil {
			q.onPublish()
		}
		return q.publishErr
	}
	q.published = append(q.published, msg)
	return nil
}

func (q *fakeQueue) Claim(_ context.Context, _ int, _ time.Duration) ([]queue.Delivery, error) {
	return nil, nil
}

func (q *fakeQueue) Requeue(ctx context.Context, msg job.Message) error {
	return q.Publish(ctx, msg.WithRetry())
}

func (q *fakeQueue) MoveToDeadLetter(_ context.Context, rec job.DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deadErr != nil {
		return q.deadErr
	}
	q.dead = append(q.dead, rec)
	return nil
}

func (q *fakeQueue) publishedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.published)
}

// --- fake delivery ---

type fakeDelivery struct {
	id    string
	data  []byte
	mu    sync.Mutex
	acked bool
}

func deliveryFor(t *testing.T, msg job.Message) *fakeDelivery {
	t.Helper()
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	return &fakeDelivery{id: "m1", data: data}
}

func (d *fakeDelivery) ID() string   { return d.id }
func (d *fakeDelivery) Data() []byte { return d.data }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *fakeDelivery) isAcked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

// --- in-memory revisioned KV ---

type memEntry struct {
	value    []byte
	revision uint64
}

type memKV struct {
	mu      sync.Mutex
	entries map[string]memEntry
	rev     uint64
	failAll bool
}

func newMemKV() *memKV {
	return &memKV{entries: make(map[string]memEntry)}
}

func (m *memKV) Get(_ context.Context, key string) (*kv.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return nil, fmt.Errorf("kv down")
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, kv.ErrKeyNotFound
	}
	return &kv.Entry{Value: append([]byte(nil), e.value...), Revision: e.revision}, nil
}

func (m *memKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return 0, fmt.Errorf("kv down")
	}
	if _, ok := m.entries[key]; ok {
		return 0, kv.ErrKeyExists
	}
	m.rev++
	m.entries[key] = memEntry{value: append([]byte(nil), value...), revision: m.rev}
	return m.rev, nil
}

func (m *memKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return 0, fmt.Errorf("kv down")
	}
	e, ok := m.entries[key]
	if !ok || e.revision != revision {
		return 0, kv.ErrRevisionMismatch
	}
	m.rev++
	m.entries[key] = memEntry{value: append([]byte(nil), value...), revision: m.rev}
	return m.rev, nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// --- fake tool ---

type fakeTool struct {
	name   string
	scope  string
	output json.RawMessage
	err    error
}

func (f *fakeTool) Name() string          { return f.name }
func (f *fakeTool) RequiredScope() string { return f.scope }

func (f *fakeTool) Execute(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return f.output, f.err
}
