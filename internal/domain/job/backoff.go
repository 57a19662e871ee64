package job

import (
	"math/rand/v2"
	"time"
)

// DefaultBaseBackoff is the base retry delay used when a failure report does
// not carry its own.
const DefaultBaseBackoff = 30 * time.Second

// maxBackoffShift bounds the exponential term so the delay never overflows.
// 2^20 * base is already far beyond any sensible retry horizon.
const maxBackoffShift = 20

// Backoff computes the delay before a retry attempt: an exponential component
// base * 2^(attempt-1) plus a uniform random jitter in [0, base).
// The zero value is not usable; construct with NewBackoff.
type Backoff struct {
	base time.Duration
	rnd  func() float64
}

// NewBackoff creates a backoff strategy with the given base delay.
// Non-positive bases fall back to DefaultBaseBackoff.
func NewBackoff(base time.Duration) Backoff {
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	return Backoff{base: base, rnd: rand.Float64}
}

// NewBackoffWithRand creates a backoff strategy with a caller-supplied random
// source, for deterministic tests.
func NewBackoffWithRand(base time.Duration, rnd func() float64) Backoff {
	b := NewBackoff(base)
	if rnd != nil {
		b.rnd = rnd
	}
	return b
}

// Base returns the configured base delay.
func (b Backoff) Base() time.Duration {
	return b.base
}

// Delay returns the wait before retry attempt n (1-indexed). Attempt 1 is the
// first retry after the initial failure.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}

	exponential := b.base * time.Duration(int64(1)<<uint(shift))
	jitter := time.Duration(b.rnd() * float64(b.base))
	return exponential + jitter
}

// NextRunAt returns the timestamp at which retry attempt n becomes eligible.
func (b Backoff) NextRunAt(now time.Time, attempt int) time.Time {
	return now.Add(b.Delay(attempt))
}
