package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaysh/relay/internal/domain"
	"github.com/relaysh/relay/internal/domain/run"
	"github.com/relaysh/relay/internal/port/ledger"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// Store implements ledger.Store using PostgreSQL.
//
// Status mutations are conditional: the WHERE clause names the statuses the
// run must currently be in, so racing redeliveries cannot move a run
// backwards. A conditional write that matches zero rows resolves to either
// domain.ErrNotFound (no such run) or domain.ErrConflict (run exists in a
// different status).
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ ledger.Store = (*Store)(nil)

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO runs (actor, request_payload, status, autonomy_level, risk_score, trace_id, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		r.Actor, r.RequestPayload, string(r.Status), r.AutonomyLevel, r.RiskScore, r.TraceID, nullIfEmpty(r.IdempotencyKey),
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create run: %w", domain.ErrDuplicateKey)
		}
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, actor, request_payload, status, autonomy_level, risk_score, trace_id,
		        COALESCE(idempotency_key, ''), error_message, created_at, completed_at
		 FROM runs WHERE id = $1`, id)

	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get run %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &r, nil
}

func (s *Store) GetRunByIdempotencyKey(ctx context.Context, key string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, actor, request_payload, status, autonomy_level, risk_score, trace_id,
		        COALESCE(idempotency_key, ''), error_message, created_at, completed_at
		 FROM runs WHERE idempotency_key = $1`, key)

	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get run by idempotency key: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run by idempotency key: %w", err)
	}
	return &r, nil
}

func (s *Store) ListRuns(ctx context.Context, f ledger.RunFilter) ([]run.Run, error) {
	q := `SELECT id, actor, request_payload, status, autonomy_level, risk_score, trace_id,
	             COALESCE(idempotency_key, ''), error_message, created_at, completed_at
	      FROM runs WHERE 1=1`
	args := []any{}
	if f.Actor != "" {
		args = append(args, f.Actor)
		q += fmt.Sprintf(" AND actor = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) MarkRunning(ctx context.Context, id string) error {
	// A run already in running is accepted unchanged so that a redelivered
	// job can re-enter without failing.
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2 WHERE id = $1 AND status IN ($2, $3)`,
		id, string(run.StatusRunning), string(run.StatusQueued))
	if err != nil {
		return fmt.Errorf("mark running %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.statusConflict(ctx, id, "mark running")
	}
	return nil
}

func (s *Store) CompleteRun(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, completed_at = now() WHERE id = $1 AND status = $3`,
		id, string(run.StatusCompleted), string(run.StatusRunning))
	if err != nil {
		return fmt.Errorf("complete run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.statusConflict(ctx, id, "complete run")
	}
	return nil
}

func (s *Store) FailRun(ctx context.Context, id, errMsg string, from ...run.Status) error {
	if len(from) == 0 {
		from = []run.Status{run.StatusRunning}
	}
	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, error_message = $3, completed_at = now()
		 WHERE id = $1 AND status = ANY($4)`,
		id, string(run.StatusFailed), errMsg, statuses)
	if err != nil {
		return fmt.Errorf("fail run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.statusConflict(ctx, id, "fail run")
	}
	return nil
}

func (s *Store) MarkDeadLettered(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2 WHERE id = $1 AND status = $3`,
		id, string(run.StatusDeadLetter), string(run.StatusFailed))
	if err != nil {
		return fmt.Errorf("mark dead-lettered %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.statusConflict(ctx, id, "mark dead-lettered")
	}
	return nil
}

func (s *Store) ApproveRun(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2 WHERE id = $1 AND status = $3`,
		id, string(run.StatusQueued), string(run.StatusPendingApproval))
	if err != nil {
		return fmt.Errorf("approve run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.statusConflict(ctx, id, "approve run")
	}
	return nil
}

// statusConflict resolves a zero-row conditional status write to the right
// sentinel: ErrNotFound when the run does not exist, ErrConflict otherwise.
func (s *Store) statusConflict(ctx context.Context, id, op string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", op, id, domain.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, id, domain.ErrConflict)
}

// --- Steps ---

// appendStepAttempts bounds the retry loop when two writers race for the same
// sequence number. The pipeline has a single writer per run so contention is
// only possible across a redelivery overlap.
const appendStepAttempts = 3

func (s *Store) AppendStep(ctx context.Context, st *run.Step) error {
	var lastErr error
	for range appendStepAttempts {
		err := s.pool.QueryRow(ctx,
			`INSERT INTO run_steps (run_id, step_number, name, input, output, status, error, started_at, completed_at)
			 VALUES ($1, (SELECT COALESCE(MAX(step_number), 0) + 1 FROM run_steps WHERE run_id = $1), $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id, step_number`,
			st.RunID, st.Name, st.Input, st.Output, string(st.Status), st.Error, st.StartedAt, st.CompletedAt,
		).Scan(&st.ID, &st.Seq)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("append step: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("append step: %w", lastErr)
}

func (s *Store) ListSteps(ctx context.Context, runID string) ([]run.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, step_number, name, input, output, status, error, started_at, completed_at
		 FROM run_steps WHERE run_id = $1 ORDER BY step_number ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []run.Step
	for rows.Next() {
		var st run.Step
		if err := rows.Scan(&st.ID, &st.RunID, &st.Seq, &st.Name, &st.Input, &st.Output,
			&st.Status, &st.Error, &st.StartedAt, &st.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Artifacts ---

func (s *Store) AddArtifact(ctx context.Context, a *run.Artifact) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO run_artifacts (run_id, type, url, metadata)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		a.RunID, a.Type, a.URL, a.Metadata,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("add artifact: %w", err)
	}
	return nil
}

// --- Usage ---

func (s *Store) AddUsage(ctx context.Context, u *run.Usage) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO usage_records (run_id, step_id, model, provider, prompt_tokens, completion_tokens, total_tokens, cost_usd, latency_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		u.RunID, nullIfEmpty(u.StepID), u.Model, u.Provider,
		u.PromptTokens, u.CompletionTokens, u.TotalTokens, u.CostUSD, u.LatencyMS,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

// --- Helpers ---

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (run.Run, error) {
	var r run.Run
	err := row.Scan(&r.ID, &r.Actor, &r.RequestPayload, &r.Status, &r.AutonomyLevel,
		&r.RiskScore, &r.TraceID, &r.IdempotencyKey, &r.ErrorMessage, &r.CreatedAt, &r.CompletedAt)
	return r, err
}

// nullIfEmpty returns nil for empty strings (for nullable columns).
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
