// Package kv defines a revisioned key-value port used by the rate limiter
// and the idempotency ledger. Revisions enable optimistic writes: Update
// fails when the key changed since the revision was read.
package kv

import (
	"context"
	"errors"
)

// ErrKeyNotFound indicates the key does not exist (or expired).
var ErrKeyNotFound = errors.New("kv: key not found")

// ErrKeyExists indicates a Create on a key that already exists.
var ErrKeyExists = errors.New("kv: key already exists")

// ErrRevisionMismatch indicates the key was modified since the given revision.
var ErrRevisionMismatch = errors.New("kv: revision mismatch")

// Entry is a value with its store revision.
type Entry struct {
	Value    []byte
	Revision uint64
}

// Store is the revisioned key-value port. Expiry is a property of the
// backing bucket, not of individual keys.
type Store interface {
	// Get returns the entry for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (*Entry, error)

	// Create stores value only if key does not exist, returning the new
	// revision, or ErrKeyExists.
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Update stores value only if the key's current revision matches,
	// returning the new revision, or ErrRevisionMismatch.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
