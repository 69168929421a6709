// Package job defines the wire-level unit carried by the job queue.
// A Message is distinct from the Run record: the queue may carry retried
// copies of the same logical job, all referencing one stable run ID.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed marks a message whose payload cannot be parsed or is missing
// required fields. Such messages are poison: retrying cannot help, so the
// worker routes them straight to the dead-letter stream.
var ErrMalformed = errors.New("job: malformed message")

// Message carries everything a worker needs to resume a run's execution.
// RetryCount is monotonically non-decreasing across re-deliveries.
type Message struct {
	RunID         string          `json:"run_id"`
	Goal          string          `json:"goal"`
	Actor         string          `json:"actor"`
	AutonomyLevel string          `json:"autonomy_level"`
	Context       json.RawMessage `json:"context,omitempty"`
	MaxSteps      int             `json:"max_steps"`
	DryRun        bool            `json:"dry_run"`
	WebhookURL    string          `json:"webhook_url,omitempty"`
	RetryCount    int             `json:"retry_count"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Validate checks the required fields.
func (m *Message) Validate() error {
	if m.RunID == "" {
		return fmt.Errorf("%w: missing run_id", ErrMalformed)
	}
	if m.Goal == "" {
		return fmt.Errorf("%w: missing goal", ErrMalformed)
	}
	if m.Actor == "" {
		return fmt.Errorf("%w: missing actor", ErrMalformed)
	}
	if m.MaxSteps < 1 {
		return fmt.Errorf("%w: max_steps must be >= 1", ErrMalformed)
	}
	if m.RetryCount < 0 {
		return fmt.Errorf("%w: negative retry_count", ErrMalformed)
	}
	return nil
}

// Encode serializes the message for the queue.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode job message: %w", err)
	}
	return data, nil
}

// Decode parses and validates a message from the queue. Parse and validation
// failures both wrap ErrMalformed.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// WithRetry returns a copy of the message with the retry counter incremented.
// The run ID is unchanged: retries reference the same run, not a new one.
func (m Message) WithRetry() Message {
	m.RetryCount++
	return m
}

// DeadLetter is the record published to the dead-letter stream when a job
// exhausts its retry budget or arrives malformed.
type DeadLetter struct {
	Message
	Error             string    `json:"error"`
	FailedAt          time.Time `json:"failed_at"`
	OriginalMessageID string    `json:"original_message_id"`
}

// Encode serializes the dead-letter record.
func (d *DeadLetter) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode dead-letter record: %w", err)
	}
	return data, nil
}
