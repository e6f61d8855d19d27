// Package retry decides whether a failed attempt is retried and how long to
// wait before the next one.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/pario-ai/llmbatch/pkg/llm"
)

// Policy is an exponential backoff policy with optional jitter.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt. A row is
	// attempted at most MaxRetries+1 times.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter spreads each delay by up to +/-25%, never below BaseDelay.
	Jitter bool
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Decision is the outcome of Decide.
type Decision struct {
	Retry bool
	After time.Duration
}

// GiveUp is the decision to stop retrying.
var GiveUp = Decision{}

// Decide returns whether to retry after the given attempt (1-based) failed
// with kind. retryAfter is a server-requested wait and may be zero.
func (p Policy) Decide(attempt int, kind llm.FailureKind, retryAfter time.Duration) Decision {
	if kind == llm.ClientError {
		return GiveUp
	}
	if attempt > p.MaxRetries {
		return GiveUp
	}
	d := p.Delay(attempt)
	if kind == llm.RateLimited && retryAfter > d {
		d = retryAfter
	}
	return Decision{Retry: true, After: d}
}

// Delay returns the backoff before retry number attempt:
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	if attempt < 1 {
		attempt = 1
	}

	// Uncapped growth passes the largest Duration after a few dozen attempts.
	limit := float64(math.MaxInt64)
	if p.MaxDelay > 0 {
		limit = float64(p.MaxDelay)
	}
	delay := min(float64(p.BaseDelay)*math.Pow(mult, float64(attempt-1)), limit)
	if p.Jitter {
		delay += (rand.Float64()*2 - 1) * delay * 0.25
	}
	if delay < float64(p.BaseDelay) {
		delay = float64(p.BaseDelay)
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
