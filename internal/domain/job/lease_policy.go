// Package job holds the pure domain logic of the dispatch engine: lease
// normalisation, retry backoff, the bounded log buffer, and the
// job-availability notifier.
package job

import (
	"errors"
	"math"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// minLeaseSeconds is the smallest visibility window the store can represent.
const minLeaseSeconds = 1

// LeaseSource identifies how a lease duration was resolved.
type LeaseSource string

const (
	// LeaseSourceExplicit indicates the caller supplied a positive duration.
	LeaseSourceExplicit LeaseSource = "explicit"
	// LeaseSourceDefault indicates the default duration was used.
	LeaseSourceDefault LeaseSource = "default"
	// LeaseSourceClamped indicates the requested duration was clamped to the minimum supported value.
	LeaseSourceClamped LeaseSource = "clamped"
)

// LeasePolicy normalises visibility-timeout durations for reservations and
// heartbeats. Leases are stored as whole seconds; the policy decides how
// zero, negative, and sub-second requests map onto that grid.
type LeasePolicy struct {
	defaultLease time.Duration
}

// NewLeasePolicy constructs a LeasePolicy with the provided default lease duration.
func NewLeasePolicy(defaultLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	return &LeasePolicy{defaultLease: defaultLease}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// LeaseDecision captures the outcome of resolving a lease request.
type LeaseDecision struct {
	Seconds   int
	Source    LeaseSource
	Requested time.Duration
}

// UsedDefault reports whether the policy fell back to the default lease.
func (d LeaseDecision) UsedDefault() bool {
	return d.Source == LeaseSourceDefault
}

// Clamped reports whether the requested value was clamped to the minimum supported duration.
func (d LeaseDecision) Clamped() bool {
	return d.Source == LeaseSourceClamped
}

// Resolve normalises the requested duration to a whole number of seconds.
// Zero means "use the default"; negative and sub-second values clamp to one second.
func (p *LeasePolicy) Resolve(request time.Duration) LeaseDecision {
	if p == nil {
		return LeaseDecision{Source: LeaseSourceDefault, Requested: request}
	}

	if request == 0 {
		seconds, _ := wholeSeconds(p.defaultLease)
		return LeaseDecision{
			Seconds:   seconds,
			Source:    LeaseSourceDefault,
			Requested: request,
		}
	}
	if request < 0 {
		return LeaseDecision{
			Seconds:   minLeaseSeconds,
			Source:    LeaseSourceClamped,
			Requested: request,
		}
	}

	seconds, clamped := wholeSeconds(request)
	source := LeaseSourceExplicit
	if clamped {
		source = LeaseSourceClamped
	}
	return LeaseDecision{Seconds: seconds, Source: source, Requested: request}
}

// wholeSeconds truncates a duration onto the second grid, reporting whether
// the floor or the int ceiling had to be applied.
func wholeSeconds(d time.Duration) (int, bool) {
	s := int64(d / time.Second)
	switch {
	case s < minLeaseSeconds:
		return minLeaseSeconds, true
	case s > int64(math.MaxInt):
		return math.MaxInt, true
	}
	return int(s), false
}
