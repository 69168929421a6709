// Package cache defines the cache port (interface) for L1/L2 caching.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-oriented cache with TTL support. A miss is (nil, false, nil);
// errors are reserved for backend failures.
type Cache interface {
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
