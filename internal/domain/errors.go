// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrDuplicateKey indicates a uniqueness constraint was violated,
// e.g. a second run created with the same idempotency key.
var ErrDuplicateKey = errors.New("duplicate key")
