package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalBackend implements Backend with per-key in-process token
// buckets. It is the default for single-coordinator deployments and
// the fallback when Redis is unreachable.
type LocalBackend struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLocalBackend creates an empty local backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{limiters: make(map[string]*rate.Limiter)}
}

// CheckRateLimit consumes requested tokens from the bucket under key.
// The bucket is created on first sight with the given size and rate;
// later calls with different parameters keep the original bucket.
func (l *LocalBackend) CheckRateLimit(_ context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(refillRate), maxTokens)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	allowed := lim.AllowN(time.Now(), requested)
	remaining := int(lim.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining, nil
}
