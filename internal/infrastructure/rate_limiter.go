package infrastructure

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter spaces outbound requests by at least a fixed interval across
// every caller sharing it. A burst of one makes it a strict gate: a caller
// arriving early sleeps for the remainder of the interval.
type RateLimiter struct {
	limiter *rate.Limiter
}

func NewRateLimiter(interval time.Duration) *RateLimiter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &RateLimiter{limiter: rate.NewLimiter(limit, 1)}
}

func (r *RateLimiter) Acquire(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
