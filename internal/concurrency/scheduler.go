// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Timer heap serviced by the reactor goroutine.

package concurrency

import (
	"container/heap"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/momentics/fasttun/api"
)

const minInterval = time.Millisecond

type timer struct {
	at       time.Time
	seq      uint64
	interval time.Duration
	fn       func()
	index    int
	owner    *Scheduler
}

// Cancel removes the timer. It is safe to call more than once and from
// inside the timer's own callback.
func (t *timer) Cancel() {
	if t.index >= 0 {
		heap.Remove(&t.owner.q, t.index)
	}
	t.interval = 0
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler is a single-goroutine timer queue. Callbacks run from Fire,
// which the EventLoop calls after every reactor wait. Not safe for
// concurrent use.
type Scheduler struct {
	clock clock.Clock
	q     timerHeap
	seq   uint64
}

var _ api.Scheduler = (*Scheduler)(nil)

// NewScheduler returns a Scheduler reading time from c, the wall clock
// when c is nil.
func NewScheduler(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{clock: c}
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Len reports pending timers.
func (s *Scheduler) Len() int { return len(s.q) }

// Schedule runs fn once, delay from now.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) api.Cancelable {
	return s.add(delay, 0, fn)
}

// Every runs fn every interval, first one interval from now.
func (s *Scheduler) Every(interval time.Duration, fn func()) api.Cancelable {
	if interval < minInterval {
		interval = minInterval
	}
	return s.add(interval, interval, fn)
}

func (s *Scheduler) add(delay, interval time.Duration, fn func()) *timer {
	if delay < 0 {
		delay = 0
	}
	s.seq++
	t := &timer{
		at:       s.clock.Now().Add(delay),
		seq:      s.seq,
		interval: interval,
		fn:       fn,
		owner:    s,
	}
	heap.Push(&s.q, t)
	return t
}

// NextDeadline reports the time until the earliest timer, zero if it is
// already due.
func (s *Scheduler) NextDeadline() (time.Duration, bool) {
	if len(s.q) == 0 {
		return 0, false
	}
	d := s.q[0].at.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Fire runs every timer that is due and returns how many ran. Timers
// added by callbacks wait for the next call.
func (s *Scheduler) Fire() int {
	now := s.clock.Now()
	limit := s.seq
	fired := 0
	for len(s.q) > 0 {
		t := s.q[0]
		if t.at.After(now) || t.seq > limit {
			break
		}
		heap.Pop(&s.q)
		if t.interval > 0 {
			next := t.at.Add(t.interval)
			if !next.After(now) {
				next = now.Add(t.interval)
			}
			t.at = next
			s.seq++
			t.seq = s.seq
			heap.Push(&s.q, t)
		}
		fired++
		t.fn()
	}
	return fired
}

// Stop drops every pending timer.
func (s *Scheduler) Stop() {
	for len(s.q) > 0 {
		heap.Pop(&s.q)
	}
}
