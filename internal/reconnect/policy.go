// Package reconnect decides when a dropped always-on tunnel is retried.
package reconnect

import (
	"time"
)

const (
	DefaultBase        = 10 * time.Second
	DefaultMax         = 300 * time.Second
	DefaultMaxAttempts = 10
)

// State is the per-device retry bookkeeping. The zero value means no
// attempt has been made.
type State struct {
	LastAttempt time.Time
	Attempts    int
}

// Decision is the outcome of one Decide call.
type Decision struct {
	Attempt bool
	// GaveUp is true exactly once, on the first call after the ceiling.
	GaveUp bool
	State  State
}

// Policy is a capped exponential backoff with a give-up ceiling.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax, MaxAttempts: DefaultMaxAttempts}
}

// Delay returns min(Base * 2^attempts, Max).
func (p Policy) Delay(attempts int) time.Duration {
	base, max := p.Base, p.Max
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	d := base
	for i := 0; i < attempts; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// Decide reports whether to attempt a reconnect now and the state to keep.
func (p Policy) Decide(s State, now time.Time) Decision {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if s.Attempts > maxAttempts {
		return Decision{State: s}
	}
	if s.Attempts == maxAttempts {
		// Bump past the ceiling so the give-up is reported once.
		s.Attempts++
		return Decision{GaveUp: true, State: s}
	}
	if !s.LastAttempt.IsZero() && now.Sub(s.LastAttempt) < p.Delay(s.Attempts) {
		return Decision{State: s}
	}
	return Decision{
		Attempt: true,
		State:   State{LastAttempt: now, Attempts: s.Attempts + 1},
	}
}

// Exhausted reports whether s is past the give-up ceiling.
func (p Policy) Exhausted(s State) bool {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return s.Attempts >= maxAttempts
}
