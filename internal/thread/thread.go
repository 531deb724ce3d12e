// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package thread models a joinable thread of execution, backed by a
// goroutine, optionally locked to an OS thread.
package thread

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Thread runs a single function, which is provided at creation but not
// started until Resume is called. The return value of the function is
// available via Result, after it exits.
type Thread struct {
	fn       func() int
	done     chan struct{}
	resume   sync.Once
	result   int
	started  atomic.Bool
	running  atomic.Bool
	lockOS   bool
	finished atomic.Bool
}

// New creates a suspended Thread. A panic will occur if fn is nil.
func New(fn func() int) *Thread {
	if fn == nil {
		panic(`thread: nil function`)
	}
	return &Thread{
		fn:   fn,
		done: make(chan struct{}),
	}
}

// LockOSThread configures the thread to wire itself to an OS thread, for
// the duration of its function. It must be called prior to Resume.
func (x *Thread) LockOSThread() *Thread {
	if x.started.Load() {
		panic(`thread: already resumed`)
	}
	x.lockOS = true
	return x
}

// Resume starts the thread. Subsequent calls are no-ops.
func (x *Thread) Resume() {
	x.resume.Do(func() {
		x.started.Store(true)
		x.running.Store(true)
		go x.run()
	})
}

func (x *Thread) run() {
	defer close(x.done)
	defer x.running.Store(false)
	if x.lockOS {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	x.result = x.fn()
	x.finished.Store(true)
}

// Join waits for the thread to exit, returning false if the timeout elapses
// first. A negative timeout waits indefinitely. Joining a thread that was
// never resumed will time out.
func (x *Thread) Join(timeout time.Duration) bool {
	if timeout < 0 {
		<-x.done
		return true
	}
	select {
	case <-x.done:
		return true
	default:
	}
	if timeout == 0 {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-x.done:
		return true
	case <-timer.C:
		return false
	}
}

// Done returns a channel that is closed once the thread exits.
func (x *Thread) Done() <-chan struct{} {
	return x.done
}

// Running reports whether the thread has been resumed and has not yet exited.
func (x *Thread) Running() bool {
	return x.running.Load()
}

// Result returns the value returned by the thread's function, and true, if
// it has returned normally. If the function panicked, or has not yet
// returned, ok will be false.
func (x *Thread) Result() (result int, ok bool) {
	select {
	case <-x.done:
	default:
		return 0, false
	}
	if !x.finished.Load() {
		return 0, false
	}
	return x.result, true
}
