package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/relaysh/relay/internal/adapter/otel"
	"github.com/relaysh/relay/internal/config"
	"github.com/relaysh/relay/internal/domain"
	"github.com/relaysh/relay/internal/domain/job"
	"github.com/relaysh/relay/internal/domain/policy"
	"github.com/relaysh/relay/internal/domain/run"
	"github.com/relaysh/relay/internal/port/executor"
	"github.com/relaysh/relay/internal/port/ledger"
	"github.com/relaysh/relay/internal/port/queue"
)

// claimBackoff is how long the claim loop sleeps after a queue error before
// trying again.
const claimBackoff = time.Second

// Worker claims job messages and drives each through the run state machine:
// mark running, execute, persist progress, then complete, requeue or
// dead-letter. Handlers tolerate redelivery: every mutation is conditional
// in the ledger and the message is acknowledged only after the terminal or
// retry action is durable.
type Worker struct {
	queue    queue.Queue
	store    ledger.Store
	exec     executor.Executor
	notifier *Notifier
	cfg      config.Worker
	qcfg     config.Queue
	metrics  *otel.Metrics
	sem      *semaphore.Weighted
	log      *slog.Logger
}

// NewWorker wires a queue worker. Without a configured meter provider the
// metric instruments are no-ops, so metrics is always safe to record into.
func NewWorker(q queue.Queue, store ledger.Store, exec executor.Executor,
	notifier *Notifier, cfg config.Worker, qcfg config.Queue,
	metrics *otel.Metrics, log *slog.Logger) *Worker {
	return &Worker{
		queue:    q,
		store:    store,
		exec:     exec,
		notifier: notifier,
		cfg:      cfg,
		qcfg:     qcfg,
		metrics:  metrics,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		log:      log,
	}
}

// Run claims and processes messages until ctx is cancelled, then waits for
// in-flight jobs to finish.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started",
		"concurrency", w.cfg.Concurrency, "batch_size", w.cfg.BatchSize)

	for {
		if err := ctx.Err(); err != nil {
			break
		}

		deliveries, err := w.queue.Claim(ctx, w.cfg.BatchSize, w.qcfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Error("claim failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(claimBackoff):
			}
			continue
		}

		for _, d := range deliveries {
			if err := w.sem.Acquire(ctx, 1); err != nil {
				break
			}
			go func(d queue.Delivery) {
				defer w.sem.Release(1)
				w.process(ctx, d)
			}(d)
		}
	}

	// Drain: acquiring the full weight waits for every in-flight job.
	if err := w.sem.Acquire(context.Background(), int64(w.cfg.Concurrency)); err != nil {
		return err
	}
	w.log.Info("worker stopped")
	return nil
}

// process handles one delivery end to end. The message is acknowledged only
// after its terminal or retry action succeeded; on any publish failure the
// delivery stays pending and the visibility window redelivers it.
func (w *Worker) process(ctx context.Context, d queue.Delivery) {
	msg, err := job.Decode(d.Data())
	if err != nil {
		// Poison: undecodable messages go straight to the dead-letter
		// stream without consuming retries.
		w.log.Error("poison message", "message_id", d.ID(), "error", err)
		w.deadLetterPoison(ctx, d, err)
		return
	}

	ctx, span := otel.StartJobSpan(ctx, msg.RunID, msg.RetryCount)
	defer span.End()

	log := w.log.With("run_id", msg.RunID, "message_id", d.ID(), "retry", msg.RetryCount)
	w.metrics.JobsClaimed.Add(ctx, 1)

	if err := w.store.MarkRunning(ctx, msg.RunID); err != nil {
		switch {
		case errors.Is(err, domain.ErrConflict):
			// Terminal run redelivered after a crash between the final
			// ledger write and the ack.
			w.redeliverTerminal(ctx, d, *msg, log)
		case errors.Is(err, domain.ErrNotFound):
			log.Error("message references unknown run")
			w.deadLetter(ctx, d, *msg, "unknown run", log)
		default:
			// Ledger unavailable. Leave unacknowledged for redelivery.
			log.Error("mark running failed", "error", err)
		}
		return
	}

	started := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	outcome, execErr := w.exec.Execute(jobCtx, executor.Request{
		RunID:         msg.RunID,
		Goal:          msg.Goal,
		Actor:         msg.Actor,
		AutonomyLevel: msg.AutonomyLevel,
		Context:       msg.Context,
		MaxSteps:      msg.MaxSteps,
		DryRun:        msg.DryRun,
	})
	cancel()
	w.metrics.JobDuration.Record(ctx, time.Since(started).Seconds())

	if outcome != nil {
		w.persistProgress(ctx, outcome, log)
	}

	if execErr != nil {
		w.handleFailure(ctx, d, *msg, execErr, log)
		return
	}

	if err := w.store.CompleteRun(ctx, msg.RunID); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Another worker finished the overlapping redelivery first.
			log.Info("run completed elsewhere")
			w.ack(d, log)
			return
		}
		log.Error("complete run failed", "error", err)
		return
	}

	w.metrics.JobsDone.Add(ctx, 1)
	log.Info("job completed", "duration", time.Since(started))

	w.notify(ctx, *msg, Notification{
		RunID:       msg.RunID,
		Actor:       msg.Actor,
		Status:      run.StatusCompleted,
		Result:      outcomeResult(outcome),
		CompletedAt: time.Now().UTC(),
	}, log)

	w.ack(d, log)
}

// handleFailure requeues the message with the retry counter incremented, or
// dead-letters it once the retry budget is spent.
func (w *Worker) handleFailure(ctx context.Context, d queue.Delivery, msg job.Message, execErr error, log *slog.Logger) {
	w.metrics.JobsFailed.Add(ctx, 1)
	log.Warn("job attempt failed", "error", execErr)

	if msg.RetryCount < w.qcfg.MaxRetries {
		select {
		case <-ctx.Done():
			// Shutting down; redelivery will retry after the visibility
			// window instead.
			return
		case <-time.After(w.qcfg.RetryDelay):
		}

		if err := w.queue.Requeue(ctx, msg); err != nil {
			log.Error("requeue failed, leaving delivery pending", "error", err)
			return
		}
		w.metrics.Retries.Add(ctx, 1)
		log.Info("job requeued", "next_retry", msg.RetryCount+1)
		w.ack(d, log)
		return
	}

	if err := w.store.FailRun(ctx, msg.RunID, execErr.Error(), run.StatusRunning); err != nil && !errors.Is(err, domain.ErrConflict) {
		log.Error("fail run failed", "error", err)
		return
	}
	if err := w.store.MarkDeadLettered(ctx, msg.RunID); err != nil && !errors.Is(err, domain.ErrConflict) {
		log.Error("mark dead-lettered failed", "error", err)
	}

	// The webhook contract reports terminal outcomes as completed or
	// failed; dead_letter is internal ledger state.
	w.notify(ctx, msg, Notification{
		RunID:       msg.RunID,
		Actor:       msg.Actor,
		Status:      run.StatusFailed,
		Error:       execErr.Error(),
		CompletedAt: time.Now().UTC(),
	}, log)

	w.deadLetter(ctx, d, msg, execErr.Error(), log)
}

// redeliverTerminal settles a delivery whose run already reached a terminal
// state. A dead-lettered run may have crashed between the ledger update and
// the stream publish, so its record is re-published before the ack; the
// dead-letter stream tolerates the occasional duplicate under at-least-once.
func (w *Worker) redeliverTerminal(ctx context.Context, d queue.Delivery, msg job.Message, log *slog.Logger) {
	r, err := w.store.GetRun(ctx, msg.RunID)
	if err != nil {
		log.Error("terminal redelivery lookup failed", "error", err)
		return
	}
	if r.Status == run.StatusDeadLetter {
		log.Info("re-publishing dead-letter record for redelivered run")
		w.deadLetter(ctx, d, msg, r.ErrorMessage, log)
		return
	}
	log.Info("run already terminal, dropping redelivery")
	w.ack(d, log)
}

// deadLetter publishes the record and acknowledges the delivery only when
// the publish succeeded.
func (w *Worker) deadLetter(ctx context.Context, d queue.Delivery, msg job.Message, reason string, log *slog.Logger) {
	rec := job.DeadLetter{
		Message:           msg,
		Error:             reason,
		FailedAt:          time.Now().UTC(),
		OriginalMessageID: d.ID(),
	}
	if err := w.queue.MoveToDeadLetter(ctx, rec); err != nil {
		log.Error("dead-letter publish failed, leaving delivery pending", "error", err)
		return
	}
	w.metrics.DeadLetters.Add(ctx, 1)
	log.Warn("job dead-lettered", "reason", reason)
	w.ack(d, log)
}

func (w *Worker) deadLetterPoison(ctx context.Context, d queue.Delivery, decodeErr error) {
	rec := job.DeadLetter{
		Error:             decodeErr.Error(),
		FailedAt:          time.Now().UTC(),
		OriginalMessageID: d.ID(),
	}
	if err := w.queue.MoveToDeadLetter(ctx, rec); err != nil {
		w.log.Error("poison dead-letter publish failed", "message_id", d.ID(), "error", err)
		return
	}
	w.metrics.DeadLetters.Add(ctx, 1)
	w.ack(d, w.log)
}

// persistProgress appends the outcome's steps, artifacts and usage records.
// Append failures are logged but do not fail the job: the run's terminal
// status matters more than a lost step row.
func (w *Worker) persistProgress(ctx context.Context, out *executor.Outcome, log *slog.Logger) {
	for i := range out.Steps {
		if err := w.store.AppendStep(ctx, &out.Steps[i]); err != nil {
			log.Error("append step failed", "step", out.Steps[i].Name, "error", err)
		}
	}
	for i := range out.Artifacts {
		if err := w.store.AddArtifact(ctx, &out.Artifacts[i]); err != nil {
			log.Error("add artifact failed", "error", err)
		}
	}
	for i := range out.Usage {
		if err := w.store.AddUsage(ctx, &out.Usage[i]); err != nil {
			log.Error("add usage failed", "error", err)
		}
	}
}

// notify delivers the completion webhook unless the run executes silently.
func (w *Worker) notify(ctx context.Context, msg job.Message, note Notification, log *slog.Logger) {
	if w.notifier == nil || msg.WebhookURL == "" {
		return
	}
	if msg.AutonomyLevel == string(policy.L3ExecuteSilent) {
		return
	}

	ctx, span := otel.StartWebhookSpan(ctx, msg.RunID)
	defer span.End()

	if err := w.notifier.Notify(ctx, msg.WebhookURL, note); err != nil {
		log.Warn("webhook delivery failed", "error", err)
		w.countWebhook(ctx, "failed")
		return
	}
	w.countWebhook(ctx, "delivered")
}

func (w *Worker) ack(d queue.Delivery, log *slog.Logger) {
	if err := d.Ack(); err != nil {
		log.Warn("ack failed", "message_id", d.ID(), "error", err)
	}
}

func (w *Worker) countWebhook(ctx context.Context, outcome string) {
	w.metrics.Webhooks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

func outcomeResult(out *executor.Outcome) []byte {
	if out == nil {
		return nil
	}
	return out.Result
}
