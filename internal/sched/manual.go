package sched

import (
	"time"
)

// Manual is a deterministic scheduler driven by the caller. Posted tasks and
// spawned work run on RunPending; timers fire on Advance. It is meant for a
// single goroutine.
type Manual struct {
	now     time.Time
	pending []func()
	timers  []*manualTimer
	seq     int
}

// NewManual creates a manual scheduler whose clock starts at start
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the manual clock
func (m *Manual) Now() time.Time {
	return m.now
}

// Post queues fn until the next RunPending
func (m *Manual) Post(fn func()) {
	m.pending = append(m.pending, fn)
}

// Spawn queues work like Post; the work runs synchronously on RunPending
func (m *Manual) Spawn(work func()) {
	m.pending = append(m.pending, work)
}

// AfterFunc registers fn to fire when the clock reaches now+d
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.seq++
	t := &manualTimer{deadline: m.now.Add(d), fn: fn, seq: m.seq}
	m.timers = append(m.timers, t)
	return t
}

// RunPending runs queued tasks, including tasks queued while running, and
// returns how many ran
func (m *Manual) RunPending() int {
	n := 0
	for len(m.pending) > 0 {
		fn := m.pending[0]
		m.pending = m.pending[1:]
		fn()
		n++
	}
	return n
}

// Advance moves the clock forward by d, firing due timers in deadline order
// and draining queued tasks after each one
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	m.RunPending()
	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		m.now = t.deadline
		t.fired = true
		t.fn()
		m.RunPending()
	}
	m.now = target
}

// Timers returns the number of armed timers
func (m *Manual) Timers() int {
	n := 0
	for _, t := range m.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	var next *manualTimer
	live := m.timers[:0]
	for _, t := range m.timers {
		if t.fired || t.stopped {
			continue
		}
		live = append(live, t)
		if t.deadline.After(target) {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) ||
			(t.deadline.Equal(next.deadline) && t.seq < next.seq) {
			next = t
		}
	}
	m.timers = live
	return next
}

type manualTimer struct {
	deadline time.Time
	fn       func()
	seq      int
	fired    bool
	stopped  bool
}

func (t *manualTimer) Stop() bool {
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (t *manualTimer) Deadline() time.Time {
	return t.deadline
}
