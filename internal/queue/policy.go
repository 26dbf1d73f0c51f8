package queue

import (
	"context"
	"time"

	"github.com/suPer8Hu/coursegen/internal/apperr"
)

// Policy is the retry configuration of one queue.
type Policy struct {
	Attempts       int
	BackoffDelay   time.Duration
	RateLimitRetry time.Duration
	// MaxBackoff caps the exponential curve. Zero means uncapped.
	MaxBackoff time.Duration
}

type PolicySource interface {
	Policy(ctx context.Context, name Name) (Policy, error)
}

// StaticPolicies is a fixed PolicySource, mostly for tests and tools.
type StaticPolicies map[Name]Policy

func (s StaticPolicies) Policy(_ context.Context, name Name) (Policy, error) {
	p, ok := s[name]
	if !ok {
		return Policy{}, invalidQueue(name)
	}
	return p, nil
}

// Backoff returns base * 2^(attempt-1), capped at ceiling when ceiling > 0.
// attempt is the 1-based number of the failure being scheduled.
func Backoff(base time.Duration, attempt int, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		if ceiling > 0 && d >= ceiling {
			break
		}
		// stop doubling before overflow
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

// nextState decides where a failed job goes. attempt is the attempt count
// after this failure has been counted.
func nextState(attempt, maxAttempts int, base time.Duration, p Policy, cause error) (State, time.Duration) {
	if apperr.IsNoRetry(cause) || attempt >= maxAttempts {
		return StateFailed, 0
	}
	if apperr.IsRateLimited(cause) {
		return StateDelayed, p.RateLimitRetry
	}
	return StateDelayed, Backoff(base, attempt, p.MaxBackoff)
}
