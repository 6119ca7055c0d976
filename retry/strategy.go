// Package retry provides the exponential backoff strategy used for message
// delivery retries. Delays grow exponentially up to a cap, with bounded
// random jitter so concurrent retries spread out instead of stampeding.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Strategy defines the retry behavior for failed message deliveries.
//
// The schedule follows: delay = min(BaseDelay * ExponentialBase^attempt,
// MaxDelay), then +/- Jitter fraction of the result.
//
// Example with defaults (1s base, 2.0 exponential, 60s max, 20% jitter):
//
//	Attempt 1: ~1s
//	Attempt 2: ~2s
//	Attempt 3: ~4s (terminal FAILED after this with MaxAttempts=3)
type Strategy struct {
	MaxAttempts     int           // Maximum delivery attempts before terminal failure
	BaseDelay       time.Duration // Initial retry delay
	MaxDelay        time.Duration // Retry delay cap
	ExponentialBase float64       // Backoff multiplier (e.g., 2.0 for doubling)
	Jitter          float64       // Fraction of the delay randomized in [-J, +J]
}

// DefaultStrategy returns the default retry strategy: 3 attempts,
// 1s base delay doubling up to a 60s cap, 20% jitter.
func DefaultStrategy() Strategy {
	return Strategy{
		MaxAttempts:     3,
		BaseDelay:       1 * time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          0.2,
	}
}

// Delay returns the pre-jitter backoff delay for an attempt number
// (1-based). The delay is monotonically non-decreasing up to MaxDelay.
func (s Strategy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return s.BaseDelay
	}
	delay := float64(s.BaseDelay) * math.Pow(s.ExponentialBase, float64(attempt-1))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// DelayWithJitter returns the backoff delay for an attempt with bounded
// uniform jitter applied. The result never drops below zero or exceeds
// MaxDelay*(1+Jitter).
func (s Strategy) DelayWithJitter(attempt int) time.Duration {
	delay := s.Delay(attempt)
	if s.Jitter <= 0 {
		return delay
	}
	// Uniform in [-Jitter, +Jitter].
	factor := 1 + s.Jitter*(2*rand.Float64()-1)
	jittered := time.Duration(float64(delay) * factor)
	if jittered < 0 {
		return 0
	}
	return jittered
}

// IsRetryable checks if another delivery attempt is allowed.
func (s Strategy) IsRetryable(attemptCount int) bool {
	return attemptCount < s.MaxAttempts
}
