package ratelimit

import "time"

// Clock abstracts time reads so limiter behavior is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
