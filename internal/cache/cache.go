// Package cache provides the verdict cache the rating endpoint answers
// from. Fresh domains are served without touching the database; the
// cache is advisory and every miss falls through to the store. The
// backend is an in-memory map by default or Redis when several
// coordinators share one rating view.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the cache.
var ErrNotFound = errors.New("cache: key not found")

// Cache abstracts a key-value cache with TTL support. All operations
// are safe for concurrent use.
type Cache interface {
	// Get retrieves the value for key, or ErrNotFound if the key does
	// not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. A zero TTL means the
	// entry does not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the key exists and has not expired.
	Exists(ctx context.Context, key string) (bool, error)

	// Ping verifies connectivity to the backend.
	Ping(ctx context.Context) error

	// Close releases resources held by the implementation.
	Close() error
}
