// Package ratelimit throttles rating connections per client IP with a
// token bucket. The backend is a local in-process bucket by default or
// Redis when several coordinators must share one budget; Redis outages
// degrade to local buckets instead of failing requests.
package ratelimit

import (
	"context"

	"github.com/oriys/polaris/internal/logging"
)

// Backend performs one atomic token bucket check.
type Backend interface {
	// CheckRateLimit consumes requested tokens from the bucket under
	// key, refilling at refillRate tokens per second up to maxTokens.
	// It returns whether the request is allowed and the remaining
	// token count.
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (allowed bool, remaining int, err error)
}

// Limiter applies one rate limit policy to rating connections.
type Limiter struct {
	backend Backend
	rps     float64
	burst   int
}

// NewLimiter creates a limiter allowing rps requests per second with
// the given burst per client key.
func NewLimiter(backend Backend, rps float64, burst int) *Limiter {
	return &Limiter{backend: backend, rps: rps, burst: burst}
}

// Allow reports whether one more request from the client is inside the
// limit. Backend errors fail open: the request is allowed and the
// error logged, so a broken limiter never blocks ratings.
func (l *Limiter) Allow(ctx context.Context, ip string) bool {
	allowed, _, err := l.backend.CheckRateLimit(ctx, KeyForIP(ip), l.burst, l.rps, 1)
	if err != nil {
		logging.Op().Warn("rate limit check failed, allowing request", "ip", ip, "error", err)
		return true
	}
	return allowed
}

// KeyForIP returns the bucket key for a client IP.
func KeyForIP(ip string) string {
	return "ip:" + ip
}
