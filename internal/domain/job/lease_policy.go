package job

import (
	"errors"
	"time"
)

// ErrInvalidDefaultLease indicates the configured lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

const (
	minHeartbeat = time.Second
	// minLease leaves room for two missed heartbeats at the heartbeat floor.
	minLease = 3 * minHeartbeat
)

// LeaseSource identifies how a lease duration was resolved.
type LeaseSource string

const (
	// LeaseSourceExplicit indicates the caller supplied a positive duration.
	LeaseSourceExplicit LeaseSource = "explicit"
	// LeaseSourceDefault indicates the default duration was used.
	LeaseSourceDefault LeaseSource = "default"
	// LeaseSourceClamped indicates the requested duration was raised to the floor.
	LeaseSourceClamped LeaseSource = "clamped"
)

// LeasePolicy sizes the dispatch lease and the in-flight token TTL held while a job runs.
// Both are renewed by heartbeats, so the lease only bounds how long a crashed worker
// blocks a redelivery.
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
	Lease     time.Duration
	Heartbeat time.Duration
	Source    LeaseSource
	Requested time.Duration
}

// Seconds returns the lease rounded down to whole seconds, at least 1.
func (d LeaseDecision) Seconds() int {
	s := int(d.Lease / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

// UsedDefault reports whether the policy fell back to the default lease.
func (d LeaseDecision) UsedDefault() bool {
	return d.Source == LeaseSourceDefault
}

// Clamped reports whether the request was raised to the minimum lease.
func (d LeaseDecision) Clamped() bool {
	return d.Source == LeaseSourceClamped
}

// Resolve normalises a requested lease. Zero selects the default; anything below the
// three second floor is clamped to it, including a short default. Heartbeat is a third
// of the lease so two renewals can be lost before the lease expires.
func (p *LeasePolicy) Resolve(request time.Duration) LeaseDecision {
	decision := LeaseDecision{Requested: request}

	switch {
	case p == nil:
		decision.Lease = minLease
		decision.Source = LeaseSourceClamped
	case request == 0:
		decision.Lease = p.defaultLease
		decision.Source = LeaseSourceDefault
	default:
		decision.Lease = request.Truncate(time.Second)
		decision.Source = LeaseSourceExplicit
	}
	if decision.Lease < minLease {
		decision.Lease = minLease
		decision.Source = LeaseSourceClamped
	}

	decision.Heartbeat = decision.Lease / 3
	return decision
}
