package ratelimit

import "time"

// Clock abstracts time so limiter behavior can be tested deterministically.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
