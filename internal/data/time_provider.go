package data

import (
	"sync"
	"time"
)

// TimeProvider supplies the timestamps the job repository writes, so tests can
// pin lease expiry and staleness cut-offs.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider reads the wall clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (*RealTimeProvider) Now() time.Time { return time.Now() }

// FixedTimeProvider is a manually advanced clock for repository tests.
type FixedTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedTimeProvider starts the clock at t.
func NewFixedTimeProvider(t time.Time) *FixedTimeProvider {
	return &FixedTimeProvider{now: t}
}

// Now returns the pinned time.
func (f *FixedTimeProvider) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AddTime moves the clock by d, which may be negative.
func (f *FixedTimeProvider) AddTime(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
