// Package sched runs all editing callbacks on one logical thread.
//
// Work that blocks (network calls, disk writes) is started with Await and its
// continuation is posted back to the scheduler, so components sharing the
// document never run in parallel and need no locks.
package sched

import (
	"time"
)

// Timer is a scheduled callback with a deadline
type Timer interface {
	// Stop cancels the callback. It reports whether the call stopped the
	// timer before it fired.
	Stop() bool
	// Deadline is the time the callback is due
	Deadline() time.Time
}

// Scheduler is a cooperative single threaded executor
type Scheduler interface {
	// Now returns the scheduler clock
	Now() time.Time
	// Post queues fn to run on the scheduler thread
	Post(fn func())
	// AfterFunc runs fn on the scheduler thread once d has elapsed
	AfterFunc(d time.Duration, fn func()) Timer
	// Spawn runs blocking work off the scheduler thread
	Spawn(work func())
}

// Await runs work off the scheduler thread and delivers its result to then on
// the scheduler thread
func Await[T any](s Scheduler, work func() (T, error), then func(T, error)) {
	s.Spawn(func() {
		v, err := work()
		s.Post(func() {
			then(v, err)
		})
	})
}

// Millis returns the scheduler clock in unix milliseconds
func Millis(s Scheduler) int64 {
	return s.Now().UnixMilli()
}
