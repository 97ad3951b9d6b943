package drivewatch

import (
	"context"
	"sync"
	"time"

	"github.com/Songmu/flextime"
	"golang.org/x/time/rate"
)

// RateLimiter paces Drive API requests with a token bucket and honours
// the backoff requested by 429 responses.
type RateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	retryAt time.Time
}

func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Wait blocks until a request may be sent.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	retryAt := r.retryAt
	r.mu.Unlock()

	if d := retryAt.Sub(flextime.Now()); d > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	return r.limiter.Wait(ctx)
}

// RecordRateLimitError defers the next request by retryAfter (60s when unknown).
func (r *RateLimiter) RecordRateLimitError(retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if retryAfter <= 0 {
		retryAfter = 60 * time.Second
	}
	r.retryAt = flextime.Now().Add(retryAfter)
}
