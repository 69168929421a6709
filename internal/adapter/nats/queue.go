// Package nats implements the job queue port using NATS JetStream.
//
// The job stream is a durable, ordered log; the consumer group maps to a
// durable JetStream consumer with explicit acks. AckWait is the visibility
// window: a claimed message that is never acknowledged is redelivered to
// another consumer in the group once the window lapses.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/relaysh/relay/internal/config"
	"github.com/relaysh/relay/internal/domain/job"
	"github.com/relaysh/relay/internal/port/queue"
)

// Queue implements queue.Queue on NATS JetStream.
type Queue struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg config.Queue

	consumer jetstream.Consumer
}

// Connect establishes the NATS connection and ensures the job and
// dead-letter streams exist.
func Connect(ctx context.Context, url string, cfg config.Queue) (*Queue, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	for _, stream := range []struct{ name, subject string }{
		{cfg.Stream, cfg.Subject},
		{cfg.DeadLetterStream, cfg.DeadLetterSubject},
	} {
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      stream.name,
			Subjects:  []string{stream.subject},
			Retention: jetstream.LimitsPolicy,
			Storage:   jetstream.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("jetstream stream %s: %w", stream.name, err)
		}
	}

	slog.Info("nats connected",
		"url", url,
		"stream", cfg.Stream,
		"dead_letter_stream", cfg.DeadLetterStream,
	)
	return &Queue{nc: nc, js: js, cfg: cfg}, nil
}

// Publish appends a job message to the job stream.
func (q *Queue) Publish(ctx context.Context, msg job.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(ctx, q.cfg.Subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", q.cfg.Subject, err)
	}
	return nil
}

// Requeue publishes a copy of the message with the retry counter incremented.
func (q *Queue) Requeue(ctx context.Context, msg job.Message) error {
	return q.Publish(ctx, msg.WithRetry())
}

// MoveToDeadLetter appends a record to the dead-letter stream.
func (q *Queue) MoveToDeadLetter(ctx context.Context, rec job.DeadLetter) error {
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(ctx, q.cfg.DeadLetterSubject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", q.cfg.DeadLetterSubject, err)
	}
	return nil
}

// Claim fetches up to max messages for this consumer, long-polling up to
// block when the stream is empty. An empty result with nil error means the
// wait timed out.
func (q *Queue) Claim(ctx context.Context, max int, block time.Duration) ([]queue.Delivery, error) {
	cons, err := q.groupConsumer(ctx)
	if err != nil {
		return nil, err
	}

	batch, err := cons.Fetch(max, jetstream.FetchMaxWait(block))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, fmt.Errorf("nats fetch: %w", err)
	}

	var deliveries []queue.Delivery
	for msg := range batch.Messages() {
		deliveries = append(deliveries, &delivery{msg: msg})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return deliveries, fmt.Errorf("nats fetch batch: %w", err)
	}
	return deliveries, nil
}

// groupConsumer lazily creates the durable group consumer. MaxDeliver is
// unlimited at the queue level: the retry budget is enforced by the worker's
// retry counter, while AckWait redelivery covers worker crashes.
func (q *Queue) groupConsumer(ctx context.Context) (jetstream.Consumer, error) {
	if q.consumer != nil {
		return q.consumer, nil
	}

	cons, err := q.js.CreateOrUpdateConsumer(ctx, q.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       q.cfg.Group,
		FilterSubject: q.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxAckPending: -1,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer %s: %w", q.cfg.Group, err)
	}
	q.consumer = cons
	return cons, nil
}

// JetStream exposes the underlying JetStream context, for KV bucket access
// on the same connection.
func (q *Queue) JetStream() jetstream.JetStream {
	return q.js
}

// IsConnected reports whether the queue is currently connected.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

// Drain gracefully drains the connection: pending messages are processed,
// no new messages are accepted.
func (q *Queue) Drain() error {
	return q.nc.Drain()
}

// Close shuts down the NATS connection immediately.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// delivery wraps a claimed JetStream message.
type delivery struct {
	msg jetstream.Msg
}

func (d *delivery) ID() string {
	meta, err := d.msg.Metadata()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d", meta.Sequence.Stream)
}

func (d *delivery) Data() []byte {
	return d.msg.Data()
}

func (d *delivery) Ack() error {
	if err := d.msg.Ack(); err != nil {
		return fmt.Errorf("nats ack: %w", err)
	}
	return nil
}
