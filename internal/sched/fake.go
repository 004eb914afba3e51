package sched

import (
	"sort"
	"time"
)

// Fake is a manually advanced Scheduler for tests. Callbacks run
// synchronously inside Advance, in deadline order.
type Fake struct {
	now    time.Time
	seq    int
	timers []*fakeTimer
}

// NewFake creates a Fake starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake clock.
func (f *Fake) Now() time.Time {
	return f.now
}

// AfterFunc schedules fn at Now()+d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.seq++
	t := &fakeTimer{when: f.now.Add(d), seq: f.seq, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that comes due.
// Timers scheduled by callbacks fire too if they fall inside the window.
func (f *Fake) Advance(d time.Duration) {
	end := f.now.Add(d)
	for {
		t := f.next(end)
		if t == nil {
			break
		}
		f.now = t.when
		t.fired = true
		t.fn()
	}
	f.now = end
}

// Pending returns the number of live timers.
func (f *Fake) Pending() int {
	n := 0
	for _, t := range f.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

func (f *Fake) next(end time.Time) *fakeTimer {
	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.fired && !t.stopped {
			live = append(live, t)
		}
	}
	f.timers = live
	if len(live) == 0 {
		return nil
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].when.Equal(live[j].when) {
			return live[i].seq < live[j].seq
		}
		return live[i].when.Before(live[j].when)
	})
	if live[0].when.After(end) {
		return nil
	}
	return live[0]
}

type fakeTimer struct {
	when    time.Time
	seq     int
	fn      func()
	fired   bool
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
