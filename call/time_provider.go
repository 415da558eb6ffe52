package call

import "time"

// TimeProvider is an interface for reading the current time and
// scheduling deferred work. This allows injecting a mock provider for
// deterministic testing.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc schedules f to run after d, returning the timer.
	AfterFunc(d time.Duration, f func()) *time.Timer
}

// RealTimeProvider implements TimeProvider using the actual system
// clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// AfterFunc schedules f using the standard library timer.
func (RealTimeProvider) AfterFunc(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d, f)
}
