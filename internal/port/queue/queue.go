// Package queue defines the job queue port (interface).
//
// The queue is a durable, ordered log with named consumer groups. Delivery is
// at-least-once: a claimed message that is never acknowledged is redelivered
// after the visibility window, possibly to a different consumer, so handlers
// must tolerate re-entry.
package queue

import (
	"context"
	"time"

	"github.com/relaysh/relay/internal/domain/job"
)

// Delivery is one claimed message. Ack must be called exactly once after a
// terminal or retry action has been taken; an unacknowledged delivery is
// redelivered by the queue's visibility-timeout mechanism.
type Delivery interface {
	// ID returns the queue-assigned message identifier.
	ID() string

	// Data returns the raw message payload.
	Data() []byte

	// Ack removes the message from the consumer group's pending set.
	Ack() error
}

// Queue is the port interface for the durable job stream.
type Queue interface {
	// Publish appends a job message to the stream.
	Publish(ctx context.Context, msg job.Message) error

	// Claim fetches up to max unclaimed messages for this consumer, blocking
	// up to block when the stream is empty (long-poll, not busy-spin).
	// An empty slice with a nil error means the wait timed out.
	Claim(ctx context.Context, max int, block time.Duration) ([]Delivery, error)

	// Requeue publishes a copy of the message with the retry counter
	// incremented. The original delivery must still be acknowledged.
	Requeue(ctx context.Context, msg job.Message) error

	// MoveToDeadLetter appends a record to the dead-letter stream.
	MoveToDeadLetter(ctx context.Context, rec job.DeadLetter) error
}
