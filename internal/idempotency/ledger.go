// Package idempotency maps caller-supplied deduplication keys to run IDs.
//
// The durable mapping lives in a TTL'd key-value bucket shared by all gate
// instances; an optional cache sits in front of lookups. The run ledger's
// unique constraint on idempotency keys remains the final arbiter; this
// ledger is the fast path, not the source of truth.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaysh/relay/internal/port/cache"
	"github.com/relaysh/relay/internal/port/kv"
)

// Ledger resolves idempotency keys to run IDs.
type Ledger struct {
	store    kv.Store
	cache    cache.Cache // optional
	cacheTTL time.Duration
}

// New creates a Ledger. cache may be nil to disable the L1 fast path.
func New(store kv.Store, c cache.Cache, cacheTTL time.Duration) *Ledger {
	return &Ledger{store: store, cache: c, cacheTTL: cacheTTL}
}

// Lookup returns the run ID bound to a live key. It is side-effect-free
// apart from backfilling the cache on a store hit.
func (l *Ledger) Lookup(ctx context.Context, key string) (runID string, ok bool, err error) {
	if l.cache != nil {
		if data, hit, cerr := l.cache.Get(ctx, cacheKey(key)); cerr == nil && hit {
			return string(data), true, nil
		}
	}

	entry, err := l.store.Get(ctx, key)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("idempotency lookup %q: %w", key, err)
	}

	runID = string(entry.Value)
	if l.cache != nil {
		_ = l.cache.Set(ctx, cacheKey(key), entry.Value, l.cacheTTL)
	}
	return runID, true, nil
}

// Bind associates a key with a run ID. If the key is already live, the run ID
// it was first associated with is returned and created is false. Repeated
// binds are safe and always converge on the first winner.
func (l *Ledger) Bind(ctx context.Context, key, runID string) (existing string, created bool, err error) {
	_, err = l.store.Create(ctx, key, []byte(runID))
	if errors.Is(err, kv.ErrKeyExists) {
		entry, gerr := l.store.Get(ctx, key)
		if gerr != nil {
			// Key expired between Create and Get; treat as unbound.
			if errors.Is(gerr, kv.ErrKeyNotFound) {
				return "", false, fmt.Errorf("idempotency bind %q: key vanished", key)
			}
			return "", false, fmt.Errorf("idempotency bind %q: %w", key, gerr)
		}
		return string(entry.Value), false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("idempotency bind %q: %w", key, err)
	}

	if l.cache != nil {
		_ = l.cache.Set(ctx, cacheKey(key), []byte(runID), l.cacheTTL)
	}
	return runID, true, nil
}

// Release removes a key binding, used when run creation fails after a bind.
func (l *Ledger) Release(ctx context.Context, key string) error {
	if l.cache != nil {
		_ = l.cache.Delete(ctx, cacheKey(key))
	}
	if err := l.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("idempotency release %q: %w", key, err)
	}
	return nil
}

func cacheKey(key string) string {
	return "idem:" + key
}
