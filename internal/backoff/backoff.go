// Package backoff computes retry delays for failed jobs.
//
// The policy is deterministic (no jitter) so retry eligibility times are
// reproducible across workers and in tests.
package backoff

import (
	"math"
	"time"
)

// Policy computes the delay before a retry attempt.
type Policy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Exponential returns base^attempt seconds. Cap, when positive, bounds
// the delay; zero disables the cap.
type Exponential struct {
	Base int
	Cap  time.Duration
}

// NewExponential creates an exponential backoff policy with the given base.
// A base below 2 is raised to 2.
func NewExponential(base int) *Exponential {
	if base < 2 {
		base = 2
	}
	return &Exponential{Base: base}
}

// maxDelaySeconds is the largest whole-second delay representable as a
// time.Duration. Larger exponents saturate here instead of overflowing
// into a negative (immediately due) delay.
const maxDelaySeconds = float64(math.MaxInt64 / int64(time.Second))

// Delay returns Base^attempt seconds, capped at Cap when set.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(maxDelaySeconds) * time.Second
	if secs := math.Pow(float64(e.Base), float64(attempt)); secs < maxDelaySeconds {
		d = time.Duration(secs) * time.Second
	}
	if e.Cap > 0 && d > e.Cap {
		return e.Cap
	}
	return d
}
