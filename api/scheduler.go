// Package api
// Author: momentics
//
// Scheduler contract for timers serviced by the reactor goroutine.

package api

import "time"

// Cancelable is a handle to a scheduled callback.
type Cancelable interface {
	Cancel()
}

// Scheduler runs callbacks on the reactor goroutine once their deadline has
// passed. It never spawns goroutines of its own.
type Scheduler interface {
	// Schedule runs fn once after delay.
	Schedule(delay time.Duration, fn func()) Cancelable

	// Every runs fn every interval until canceled.
	Every(interval time.Duration, fn func()) Cancelable

	// NextDeadline reports the time left until the earliest pending timer.
	NextDeadline() (time.Duration, bool)

	// Now returns the scheduler's notion of current time.
	Now() time.Time
}
