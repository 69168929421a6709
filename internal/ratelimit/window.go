// Package ratelimit implements a sliding-window admission limiter over a
// shared revisioned key-value store, so that every gate instance sees the
// same per-actor window.
//
// The limiter fails open: if the backing store is unreachable the request is
// allowed and a warning is logged. Availability of the admission path is
// prioritized over strict limiting.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/relaysh/relay/internal/port/kv"
)

// maxAttempts bounds the optimistic-write retry loop before failing open.
const maxAttempts = 4

// Decision is the limiter's answer for one request.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // set when denied
}

// Limiter checks and records request timestamps per key.
type Limiter struct {
	store kv.Store
	now   func() time.Time
}

// New creates a Limiter backed by the given store.
func New(store kv.Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// CheckAndRecord purges entries older than the window, then either denies
// (window at capacity) or records the current timestamp and allows.
//
// The read-modify-write cycle uses the store's revision to stay atomic under
// concurrent gates; on persistent contention or store failure it allows the
// request (fail-open) with a warning.
func (l *Limiter) CheckAndRecord(ctx context.Context, key string, limit int, window time.Duration) Decision {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		decision, retry, err := l.tryOnce(ctx, key, limit, window)
		if err != nil {
			slog.Warn("rate limit store unreachable, failing open",
				"key", key, "error", err)
			return Decision{Allowed: true, Remaining: limit - 1}
		}
		if retry {
			continue
		}
		return decision
	}

	slog.Warn("rate limit window contended, failing open", "key", key)
	return Decision{Allowed: true}
}

// tryOnce performs one optimistic read-modify-write cycle. retry is true when
// the write lost a revision race and the cycle should be repeated.
func (l *Limiter) tryOnce(ctx context.Context, key string, limit int, window time.Duration) (Decision, bool, error) {
	now := l.now()
	cutoff := now.Add(-window)

	entry, err := l.store.Get(ctx, key)
	switch {
	case errors.Is(err, kv.ErrKeyNotFound):
		// First request in this window.
		value, merr := json.Marshal([]int64{now.UnixNano()})
		if merr != nil {
			return Decision{}, false, merr
		}
		if _, cerr := l.store.Create(ctx, key, value); cerr != nil {
			if errors.Is(cerr, kv.ErrKeyExists) {
				return Decision{}, true, nil
			}
			return Decision{}, false, cerr
		}
		return Decision{Allowed: true, Remaining: limit - 1}, false, nil

	case err != nil:
		return Decision{}, false, err
	}

	var stamps []int64
	if uerr := json.Unmarshal(entry.Value, &stamps); uerr != nil {
		// Corrupt window: reset rather than lock the actor out.
		stamps = nil
	}

	// Lazy purge of entries outside the trailing window.
	kept := stamps[:0]
	for _, ts := range stamps {
		if time.Unix(0, ts).After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		oldest := time.Unix(0, kept[0])
		retryAfter := window - now.Sub(oldest)
		if retryAfter < 0 {
			retryAfter = 0
		}
		// Persist the purge so the window does not grow unbounded. A lost
		// race here only means another gate already rewrote the window.
		if value, merr := json.Marshal(kept); merr == nil {
			_, _ = l.store.Update(ctx, key, value, entry.Revision)
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}, false, nil
	}

	kept = append(kept, now.UnixNano())
	value, merr := json.Marshal(kept)
	if merr != nil {
		return Decision{}, false, merr
	}
	if _, uerr := l.store.Update(ctx, key, value, entry.Revision); uerr != nil {
		if errors.Is(uerr, kv.ErrRevisionMismatch) {
			return Decision{}, true, nil
		}
		return Decision{}, false, uerr
	}
	return Decision{Allowed: true, Remaining: limit - len(kept)}, false, nil
}
