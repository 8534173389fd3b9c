package worker

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry defaults
const (
	DefaultMaxAttempts    = 5
	DefaultBaseRetryDelay = 30 * time.Second
	DefaultMaxRetryDelay  = 15 * time.Minute
	DefaultRetryJitter    = 0.2
)

// RetryPolicy bounds redelivery of failed jobs.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor applied to each delay, 0 to 1.
	Jitter float64
}

// DefaultRetryPolicy returns the policy used when nothing is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseRetryDelay,
		MaxDelay:    DefaultMaxRetryDelay,
		Jitter:      DefaultRetryJitter,
	}
}

// ShouldRetry reports whether a job whose attempt just failed gets another.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.maxAttempts()
}

// Delay returns how long to wait before the attempt after the given one.
// The first retry waits BaseDelay and each following one doubles, up to
// MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base, max := p.BaseDelay, p.MaxDelay
	if base <= 0 {
		base = DefaultBaseRetryDelay
	}
	if max < base {
		max = base
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: p.Jitter,
		Multiplier:          2,
		MaxInterval:         max,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return min(d, max)
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}
