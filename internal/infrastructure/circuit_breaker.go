package infrastructure

import (
	"errors"
	"net/http"
	"time"

	"attribgo/pkg/logger"
	"attribgo/pkg/metrics"

	gobreaker "github.com/sony/gobreaker/v2"
)

type BreakerConfig struct {
	FailureThreshold uint32
	Timeout          time.Duration
}

// NewCircuitBreaker guards reporting API dispatch. It opens after
// FailureThreshold consecutive server-side failures and lets a trial request through once
// Timeout has elapsed. Client errors (4xx other than 429) do not count.
func NewCircuitBreaker(name string, cfg BreakerConfig, log *logger.Logger, m *metrics.Metrics) *gobreaker.CircuitBreaker[[]byte] {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	m.SetCircuitBreakerState(name, breakerStateValue(gobreaker.StateClosed))

	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
			m.SetCircuitBreakerState(name, breakerStateValue(to))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var statusErr *httpStatusError
			if errors.As(err, &statusErr) {
				return statusErr.StatusCode < 500 && statusErr.StatusCode != http.StatusTooManyRequests
			}
			return false
		},
	})
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
