package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Loop is the production scheduler: one goroutine drains an unbounded task
// queue until its context ends
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

// NewLoop creates an idle loop; call Run to start it
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
	}
}

// Run executes posted tasks until ctx is done
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Now returns the wall clock
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Post queues fn. It never blocks, so it is safe to call from the loop itself.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for it to return. It must not be called
// from the loop goroutine.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc schedules fn on the loop after d
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{deadline: time.Now().Add(d)}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.Load() {
				return
			}
			t.fired.Store(true)
			fn()
		})
	})
	return t
}

// Spawn runs work on its own goroutine
func (l *Loop) Spawn(work func()) {
	go work()
}

type loopTimer struct {
	timer    *time.Timer
	deadline time.Time
	stopped  atomic.Bool
	fired    atomic.Bool
}

func (t *loopTimer) Stop() bool {
	if t.fired.Load() || t.stopped.Swap(true) {
		return false
	}
	t.timer.Stop()
	return true
}

func (t *loopTimer) Deadline() time.Time {
	return t.deadline
}
