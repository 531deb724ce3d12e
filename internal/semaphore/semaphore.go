// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package semaphore implements a counting semaphore, starting at zero, with
// bounded-time waits.
package semaphore

import (
	"time"
)

// Semaphore is a counting semaphore. Release increments the count (up to
// the limit provided to New), Wait decrements it, blocking until the count
// is positive or the timeout elapses.
//
// The zero value is not usable, use New.
type Semaphore struct {
	ch chan struct{}
}

// New initializes a Semaphore with a count of zero, able to hold up to limit
// outstanding releases. A panic will occur if limit is not positive.
func New(limit int) *Semaphore {
	if limit <= 0 {
		panic(`semaphore: limit must be positive`)
	}
	return &Semaphore{ch: make(chan struct{}, limit)}
}

// Release increments the count, returning false if the count was already at
// the limit (the release is dropped).
func (x *Semaphore) Release() bool {
	select {
	case x.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// TryWait decrements the count if it is positive, without blocking.
func (x *Semaphore) TryWait() bool {
	select {
	case <-x.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the count may be decremented, or the timeout elapses,
// returning false on timeout. A negative timeout waits indefinitely.
func (x *Semaphore) Wait(timeout time.Duration) bool {
	if timeout < 0 {
		<-x.ch
		return true
	}
	if x.TryWait() {
		return true
	}
	if timeout == 0 {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-x.ch:
		return true
	case <-timer.C:
		return false
	}
}

// Chan exposes the underlying channel, for use in select statements, e.g.
// alongside a context. Receiving from it is equivalent to a successful Wait.
func (x *Semaphore) Chan() <-chan struct{} {
	return x.ch
}

// Drain resets the count to zero, returning the number of releases that were
// discarded.
func (x *Semaphore) Drain() (n int) {
	for x.TryWait() {
		n++
	}
	return
}

// Len returns the current count.
func (x *Semaphore) Len() int {
	return len(x.ch)
}
