// File: internal/concurrency/eventloop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reactor-driven event loop. Each iteration sleeps in the reactor for no
// longer than the nearest KCP deadline, the nearest timer or a fixed
// ceiling, whichever comes first.

package concurrency

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/fasttun/api"
)

// DefaultPollCeiling bounds a single reactor wait.
const DefaultPollCeiling = 16 * time.Millisecond

// Updater advances time-driven state and reports when it next needs to run.
type Updater interface {
	Update() time.Duration
}

// EventLoop owns the reactor goroutine.
type EventLoop struct {
	reactor api.Reactor
	updater Updater
	timers  *Scheduler
	ceiling time.Duration
	log     *zap.Logger
}

// NewEventLoop wires a loop. updater may be nil.
func NewEventLoop(r api.Reactor, u Updater, timers *Scheduler, ceiling time.Duration, log *zap.Logger) *EventLoop {
	if ceiling <= 0 {
		ceiling = DefaultPollCeiling
	}
	if log == nil {
		log = zap.NewNop()
	}
	if timers == nil {
		timers = NewScheduler(nil)
	}
	return &EventLoop{
		reactor: r,
		updater: u,
		timers:  timers,
		ceiling: ceiling,
		log:     log.Named("loop"),
	}
}

// Timers returns the scheduler serviced by the loop.
func (el *EventLoop) Timers() *Scheduler { return el.timers }

// NextWait computes the bound for the next reactor wait.
func (el *EventLoop) NextWait() time.Duration {
	wait := el.ceiling
	if el.updater != nil {
		if d := el.updater.Update(); d < wait {
			wait = d
		}
	}
	if d, ok := el.timers.NextDeadline(); ok && d < wait {
		wait = d
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// RunOnce performs one iteration and returns the descriptors serviced.
func (el *EventLoop) RunOnce() int {
	n := el.reactor.ProcessPendingEvents(el.NextWait())
	el.timers.Fire()
	return n
}

// Run iterates until ctx is done. All handlers and timers run on the
// calling goroutine.
func (el *EventLoop) Run(ctx context.Context) error {
	el.log.Debug("event loop started", zap.Duration("ceiling", el.ceiling))
	defer el.log.Debug("event loop stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		el.RunOnce()
	}
}
