// Package retrypolicy computes the next-attempt delay for a failed
// DeliveryJob. Unlike kolajAi/internal/retry's RetryManager, which
// sleeps in-process between attempts, the engine schedules a retry by
// writing a future not_before and re-queuing the job - so this package
// only does the arithmetic, adapted from retry.RetryManager.calculateDelay.
package retrypolicy

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Policy is an exponential backoff with a cap and up to 30% jitter.
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// New builds a Policy from the engine's configured base/cap/attempts.
func New(maxAttempts int, base, capDelay time.Duration) Policy {
	return Policy{
		MaxAttempts:   maxAttempts,
		BaseDelay:     base,
		MaxDelay:      capDelay,
		BackoffFactor: 2.0,
	}
}

// NextDelay returns the delay to apply before attempt number
// `attemptsSoFar + 1` (0-indexed: the first retry passes attemptsSoFar=1).
func (p Policy) NextDelay(attemptsSoFar int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attemptsSoFar-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	maxJitterNanos := int64(0.3 * delay)
	if maxJitterNanos > 0 {
		if jitter, err := rand.Int(rand.Reader, big.NewInt(maxJitterNanos)); err == nil {
			delay += float64(jitter.Int64())
		}
	}
	return time.Duration(delay)
}

// Exhausted reports whether a job that has made attemptsSoFar tries
// has used up its retry budget.
func (p Policy) Exhausted(attemptsSoFar int) bool {
	return attemptsSoFar >= p.MaxAttempts
}
