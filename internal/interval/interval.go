// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package interval provides a monotonic interval timer.
package interval

import (
	"time"
)

// Timer measures elapsed time, using the monotonic clock. Pulse records
// intermediate checkpoints, such that repeated wait/wake cycles accumulate
// correctly.
//
// Not safe for concurrent use.
type Timer struct {
	start time.Time
	last  time.Time
}

// Start returns a running Timer.
func Start() Timer {
	now := time.Now()
	return Timer{start: now, last: now}
}

// Pulse returns the time since the previous pulse (or the start), and
// records a new checkpoint.
func (x *Timer) Pulse() time.Duration {
	now := time.Now()
	d := now.Sub(x.last)
	x.last = now
	return d
}

// Elapsed returns the total time since the timer was started.
func (x *Timer) Elapsed() time.Duration {
	return time.Since(x.start)
}

// Remaining returns budget minus the elapsed time, or a negative value
// (as-is) if budget is negative, which models an infinite budget.
func (x *Timer) Remaining(budget time.Duration) time.Duration {
	if budget < 0 {
		return budget
	}
	if d := budget - x.Elapsed(); d > 0 {
		return d
	}
	return 0
}
