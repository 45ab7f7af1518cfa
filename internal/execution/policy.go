// ABOUTME: Retry policy for the dispatcher: attempt cap plus exponential backoff with jitter
// ABOUTME: Rate limit hints from the runner take precedence over the computed backoff

package execution

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// Policy controls how failed attempts are retried.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // first backoff interval
	MaxDelay    time.Duration // backoff ceiling
	Jitter      float64       // randomization factor in [0, 1); 0 disables jitter
}

// DefaultPolicy returns three attempts seeded at one second with 20% jitter.
// Unlike the other fields, a zero Jitter is kept by withDefaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
		Jitter:      0.2,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = d.Jitter
	}
	return p
}

// newBackOff returns a fresh exponential schedule for one request.
func (p Policy) newBackOff(clk backoff.Clock) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0, // the attempt cap bounds retries
		Clock:               clk,
	}
	b.Reset()
	return b
}

// delay picks the wait before the next attempt. A rate limit hint wins
// without advancing the backoff schedule.
func (p Policy) delay(err error, b backoff.BackOff) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	next := b.NextBackOff()
	if next == backoff.Stop {
		return p.MaxDelay
	}
	return next
}
