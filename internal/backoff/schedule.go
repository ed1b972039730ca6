// Package backoff implements the exponential retry schedule shared by both
// agent control loops: sleep 2^min(attempt,10) seconds between attempts,
// giving up once a configurable attempt ceiling is exceeded.
package backoff

import (
	"time"

	cenkalti "github.com/cenkalti/backoff/v4"
)

// Schedule implements cenkalti/backoff/v4's BackOff interface with the
// spec-mandated 2^min(n,10)-second exponential sequence and a hard ceiling
// on the number of attempts.
type Schedule struct {
	MaxAttempts int

	attempt int
}

// New returns a Schedule that yields backoff.Stop after maxAttempts calls to
// NextBackOff. A service-agent local loop uses 8; the outer, global retry
// loop (shared by both agents) uses 16.
func New(maxAttempts int) *Schedule {
	return &Schedule{MaxAttempts: maxAttempts}
}

// NextBackOff returns the next sleep duration, or backoff.Stop once
// MaxAttempts has been exceeded.
func (s *Schedule) NextBackOff() time.Duration {
	if s.MaxAttempts > 0 && s.attempt >= s.MaxAttempts {
		return cenkalti.Stop
	}
	d := exponent(s.attempt)
	s.attempt++
	return d
}

// Reset zeroes the attempt counter, e.g. after a successful
// registration/ping that re-establishes liveness.
func (s *Schedule) Reset() { s.attempt = 0 }

// Attempt returns the number of NextBackOff calls since the last Reset.
func (s *Schedule) Attempt() int { return s.attempt }

// exponent computes 2^min(n,10) seconds.
func exponent(n int) time.Duration {
	if n > 10 {
		n = 10
	}
	return (1 << uint(n)) * time.Second
}
