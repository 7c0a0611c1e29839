// Package retry runs an operation under a bounded exponential backoff policy.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy allows MaxRetries attempts beyond the first, waiting
// BaseDelay * 2^n before retry n (n starting at 0). There is no jitter.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func (p Policy) attempts() uint {
	if p.MaxRetries < 0 {
		return 1
	}
	return uint(p.MaxRetries) + 1
}

// Delay returns the wait before retry n.
func (p Policy) Delay(n int) time.Duration {
	return p.BaseDelay << n
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.Delay(int(p.attempts()))
	return b
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Notify is called before each wait with the failure and the upcoming delay.
type Notify func(err error, next time.Duration)

// Do calls op until it succeeds, returns a Permanent error, the policy is
// exhausted or ctx is done. op receives the zero-based attempt number. The
// returned error is the last one op produced, unwrapped from Permanent.
func Do[T any](ctx context.Context, p Policy, op func(attempt int) (T, error), notify Notify) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		defer func() { attempt++ }()
		return op(attempt)
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.attempts()),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(notify)))
	}

	return backoff.Retry(ctx, operation, opts...)
}
