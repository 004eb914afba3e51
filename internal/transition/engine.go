// Package transition implements the delayed, gradual value change used by
// every controllable badge output: an optional start delay, then a
// transition period, then the target is applied.
//
// An Engine is not safe for concurrent use. All calls, including timer
// callbacks, must come from the scheduler's event loop.
package transition

import (
	"time"

	"github.com/sweeney/badge-node/internal/sched"
)

// Phase is the engine's position in Idle → WaitingToStart → Transitioning.
type Phase int

const (
	Idle Phase = iota
	WaitingToStart
	Transitioning
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "IDLE"
	case WaitingToStart:
		return "WAITING"
	case Transitioning:
		return "TRANSITIONING"
	}
	return "UNKNOWN"
}

// Driver moves the physical output.
type Driver[T comparable] interface {
	// Apply sets the output to its final value.
	Apply(v T)
	// Pending shows that a change toward target has been accepted.
	Pending(target T)
}

// Status is the externally reported state of an output.
type Status[T comparable] struct {
	Current   T
	Target    T
	Remaining time.Duration
	Phase     Phase
	// Active is true when Current is non-zero or a change is in flight.
	// On/off outputs report it as their present value.
	Active bool
}

// Engine runs the transition state machine for one output.
type Engine[T comparable] struct {
	sched   sched.Scheduler
	driver  Driver[T]
	publish func(Status[T])

	current  T
	target   T
	duration time.Duration
	phase    Phase
	deadline time.Time
	timer    sched.Timer
	gen      uint64
}

// New creates an idle engine holding initial. The driver is not called.
func New[T comparable](s sched.Scheduler, d Driver[T], initial T) *Engine[T] {
	return &Engine[T]{
		sched:   s,
		driver:  d,
		current: initial,
		target:  initial,
	}
}

// SetPublisher installs the sink notified when a scheduled change completes.
func (e *Engine[T]) SetPublisher(fn func(Status[T])) {
	e.publish = fn
}

// Apply requests a change to target after delay, taking duration.
// Any change already in flight is abandoned.
func (e *Engine[T]) Apply(target T, delay, duration time.Duration) Status[T] {
	if target == e.current && e.phase == Idle {
		return e.Status()
	}

	e.cancel()
	e.target = target
	e.duration = duration

	switch {
	case delay > 0:
		e.phase = WaitingToStart
		e.arm(delay, e.start)
		e.driver.Pending(target)
	case duration > 0:
		e.begin()
	default:
		e.complete(false)
	}
	return e.Status()
}

// Force applies v immediately, abandoning anything in flight. The driver is
// called even when v equals the current value.
func (e *Engine[T]) Force(v T) {
	e.cancel()
	e.target = v
	e.complete(false)
}

// Status reports the present state. Remaining covers only the phase that is
// currently scheduled.
func (e *Engine[T]) Status() Status[T] {
	var zero T
	st := Status[T]{
		Current: e.current,
		Target:  e.target,
		Phase:   e.phase,
		Active:  e.current != zero || e.phase != Idle,
	}
	if e.phase != Idle {
		if rem := e.deadline.Sub(e.sched.Now()); rem > 0 {
			st.Remaining = rem
		}
	}
	return st
}

// Current returns the last applied value.
func (e *Engine[T]) Current() T {
	return e.current
}

func (e *Engine[T]) start() {
	if e.duration <= 0 {
		e.complete(true)
		return
	}
	e.begin()
}

func (e *Engine[T]) begin() {
	e.phase = Transitioning
	e.arm(e.duration, func() { e.complete(true) })
	e.driver.Pending(e.target)
}

func (e *Engine[T]) complete(publish bool) {
	e.timer = nil
	e.phase = Idle
	e.current = e.target
	e.driver.Apply(e.current)
	if publish && e.publish != nil {
		e.publish(e.Status())
	}
}

func (e *Engine[T]) arm(d time.Duration, fn func()) {
	e.gen++
	gen := e.gen
	e.deadline = e.sched.Now().Add(d)
	e.timer = e.sched.AfterFunc(d, func() {
		// A Stop that lost the race still leaves a stale generation.
		if gen != e.gen {
			return
		}
		fn()
	})
}

func (e *Engine[T]) cancel() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	e.phase = Idle
}
