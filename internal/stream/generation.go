package stream

import (
	"sync/atomic"
	"time"
)

// generation is the per-stream cancellation primitive: a monotonically
// increasing counter plus a stopping flag. Background tasks capture the
// counter value at spawn time and poll it between bounded sleeps; a mismatch
// or a raised stopping flag means the task exits with no side effects.
type generation struct {
	counter  atomic.Int64
	stopping atomic.Bool
}

// Bump advances the counter, invalidating every task spawned for an earlier
// value, and returns the new value.
func (g *generation) Bump() int64 {
	return g.counter.Add(1)
}

// Current returns the live counter value.
func (g *generation) Current() int64 {
	return g.counter.Load()
}

// Stale reports whether the captured value no longer matches the live
// counter.
func (g *generation) Stale(gen int64) bool {
	return g.counter.Load() != gen
}

// Cancelled reports whether a task holding gen should exit.
func (g *generation) Cancelled(gen int64) bool {
	return g.Stale(gen) || g.stopping.Load()
}

func (g *generation) SetStopping(v bool) {
	g.stopping.Store(v)
}

func (g *generation) Stopping() bool {
	return g.stopping.Load()
}

// sleep waits for d in tick-sized increments, re-evaluating cancel between
// ticks. Returns false when the wait was cancelled.
func sleep(d, tick time.Duration, cancelled func() bool) bool {
	if tick <= 0 {
		tick = time.Second
	}
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if remaining > tick {
			remaining = tick
		}
		time.Sleep(remaining)
		if cancelled() {
			return false
		}
	}
}
