package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relaysh/relay/internal/config"
	"github.com/relaysh/relay/internal/domain/run"
	"github.com/relaysh/relay/internal/resilience"
)

// headerSignature carries the hex HMAC-SHA256 of the request body, computed
// with the shared webhook secret. Receivers verify it before trusting the
// payload.
const headerSignature = "X-Relay-Signature"

// headerDelivery carries a unique ID per delivery attempt so receivers can
// deduplicate redelivered notifications.
const headerDelivery = "X-Relay-Delivery"

// Notification is the completion payload POSTed to a run's webhook URL.
type Notification struct {
	RunID       string          `json:"run_id"`
	Actor       string          `json:"actor"`
	Status      run.Status      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Notifier delivers completion webhooks with bounded retries behind a
// circuit breaker. Delivery is best-effort: the run's terminal state is
// already durable before the notifier is invoked, so a failed delivery is
// logged and dropped, never retried across process restarts.
type Notifier struct {
	cfg     config.Webhook
	client  *http.Client
	breaker *resilience.Breaker
	log     *slog.Logger
}

// NewNotifier creates a webhook notifier.
func NewNotifier(cfg config.Webhook, breaker *resilience.Breaker, log *slog.Logger) *Notifier {
	return &Notifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		log:     log,
	}
}

// Notify posts the notification to url, retrying failed attempts with
// exponential backoff up to the configured limit. Returns the last error
// when every attempt failed.
func (n *Notifier) Notify(ctx context.Context, url string, note Notification) error {
	if url == "" {
		return nil
	}

	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := n.cfg.BackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = n.breaker.Do(ctx, func(ctx context.Context) error {
			return n.post(ctx, url, body)
		})
		if lastErr == nil {
			return nil
		}

		n.log.Warn("webhook delivery attempt failed",
			"run_id", note.RunID, "url", url, "attempt", attempt+1, "error", lastErr)
	}

	return fmt.Errorf("deliver webhook for run %s: %w", note.RunID, lastErr)
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerDelivery, uuid.NewString())
	if n.cfg.Secret != "" {
		req.Header.Set(headerSignature, sign(n.cfg.Secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// sign computes the hex HMAC-SHA256 of body with secret.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
