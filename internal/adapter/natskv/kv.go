// Package natskv implements the revisioned kv port and the cache port on
// NATS JetStream key-value buckets. Expiry is configured per bucket, which
// is how the idempotency TTL and rate-limit window cleanup are enforced
// server-side.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/relaysh/relay/internal/port/kv"
)

// OpenBucket creates or binds the named key-value bucket with the given TTL.
// A zero TTL means keys never expire.
func OpenBucket(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	keyval, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return keyval, nil
}

// Store adapts a JetStream KeyValue bucket to the kv.Store port.
type Store struct {
	keyval jetstream.KeyValue
}

// NewStore wraps a bucket as a kv.Store.
func NewStore(keyval jetstream.KeyValue) *Store {
	return &Store{keyval: keyval}
}

// Get returns the entry for key, or kv.ErrKeyNotFound.
func (s *Store) Get(ctx context.Context, key string) (*kv.Entry, error) {
	entry, err := s.keyval.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, kv.ErrKeyNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return &kv.Entry{Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Create stores value only if key does not exist.
func (s *Store) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.keyval.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, kv.ErrKeyExists
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}
	return rev, nil
}

// Update stores value only if the key's current revision matches.
func (s *Store) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := s.keyval.Update(ctx, key, value, revision)
	if err != nil {
		// JetStream reports a revision mismatch as a wrong-last-sequence
		// error, the same condition Create surfaces as ErrKeyExists.
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, kv.ErrRevisionMismatch
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}
	return rev, nil
}

// Delete removes the key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.keyval.Delete(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}
