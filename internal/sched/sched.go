// Package sched serializes everything that mutates badge state onto one
// event loop: inbound frames, timer callbacks and ticks.
package sched

import (
	"context"
	"time"

	"go.uber.org/atomic"
)

// Scheduler creates timers whose callbacks run on the badge's event loop.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop cancels the callback. Returns false if it already ran or was
	// already stopped.
	Stop() bool
}

// Loop is the real Scheduler. Timer expiry posts the callback onto Tasks;
// the owner drains Tasks from its single goroutine.
type Loop struct {
	tasks chan func()
	now   func() time.Time
}

// NewLoop creates a loop with a task queue of the given depth.
func NewLoop(depth int) *Loop {
	return &Loop{
		tasks: make(chan func(), depth),
		now:   time.Now,
	}
}

// Now returns the wall clock.
func (l *Loop) Now() time.Time {
	return l.now()
}

// Tasks is the queue the owner must drain.
func (l *Loop) Tasks() <-chan func() {
	return l.tasks
}

// Post queues fn for the loop goroutine. Safe from any goroutine.
func (l *Loop) Post(fn func()) {
	l.tasks <- fn
}

// AfterFunc schedules fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.t = time.AfterFunc(d, func() {
		l.Post(func() {
			// Cancelled between expiry and dispatch.
			if !t.done.CompareAndSwap(false, true) {
				return
			}
			fn()
		})
	})
	return t
}

// Run drains tasks until ctx is cancelled. Callers that multiplex other
// channels select on Tasks directly instead.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			fn()
		}
	}
}

type loopTimer struct {
	t    *time.Timer
	done atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.t.Stop()
	return t.done.CompareAndSwap(false, true)
}
