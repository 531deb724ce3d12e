// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package workerpool implements a fixed-size pool of worker threads, which
// execute routines from a bounded lock-free run queue.
//
// All storage is allocated up front. The run queue is a [ringqueue.Queue]
// of 4 byte records, each the index of a run slot, allocated from a
// [slotpool.Array]. Both live in a caller-supplied buffer, see
// [BufferSize].
//
// The lifecycle is driven by a single owner: Start, then (optionally)
// Pause and Join, repeated, then Close. Routines may be enqueued from any
// goroutine, including from within other routines.
package workerpool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-cmdtree/internal/atomicstate"
	"github.com/joeycumines/go-cmdtree/internal/interval"
	"github.com/joeycumines/go-cmdtree/internal/thread"
	"github.com/joeycumines/go-cmdtree/ringqueue"
	"github.com/joeycumines/go-cmdtree/slotpool"
	"github.com/joeycumines/logiface"
)

// RunState is the lifecycle state of a Pool.
type RunState uint64

const (
	// Idle is the initial state, before the first Start.
	Idle RunState = iota
	// Running indicates workers are consuming the run queue.
	Running
	// Paused indicates workers will park once they finish their current
	// routine. Start may be called again once the pool has been joined.
	Paused
	// Stopped is terminal.
	Stopped
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return `Idle`
	case Running:
		return `Running`
	case Paused:
		return `Paused`
	case Stopped:
		return `Stopped`
	default:
		return fmt.Sprintf(`RunState(%d)`, uint64(s))
	}
}

// Routine is a unit of work.
type Routine func(arg any)

// recordSize is the size of each run queue record, a uint32 run slot index.
const recordSize = 4

var (
	// ErrThreadCount indicates a non-positive thread count.
	ErrThreadCount = errors.New(`workerpool: thread count must be positive`)

	// ErrBufferTooSmall indicates the buffer is smaller than BufferSize.
	ErrBufferTooSmall = errors.New(`workerpool: buffer too small`)

	// ErrJoinTimeout indicates Close gave up waiting for a worker to exit.
	ErrJoinTimeout = errors.New(`workerpool: timed out joining worker`)
)

// Pool is a fixed set of worker threads, consuming a bounded run queue.
type Pool struct {
	state    atomicstate.State[RunState]
	queue    ringqueue.Queue
	slots    slotpool.Array
	items    []runItem
	workers  []*worker
	logger   *logiface.Logger[logiface.Event]
	observer func(time.Duration)
	// wake carries one token per worker that should re-check the queue
	wake chan struct{}
	// parked is signaled when busy transitions to zero
	parked    chan struct{}
	spinCount int
	busy      atomic.Int32
	producer  atomic.Bool
	enqueued  atomic.Uint64
	rejected  atomic.Uint64
	executed  atomic.Uint64
	panics    atomic.Uint64
}

type runItem struct {
	routine Routine
	arg     any
}

type worker struct {
	thread *thread.Thread
	resume chan struct{}
	id     int
}

// Stats is a snapshot of a Pool's counters.
type Stats struct {
	// Enqueued is the number of routines accepted by EnqueueRun.
	Enqueued uint64
	// Rejected is the number of routines refused by EnqueueRun.
	Rejected uint64
	// Executed is the number of routines that have returned or panicked.
	Executed uint64
	// Panics is the number of routines that panicked.
	Panics uint64
	// Queued is the number of routines waiting to be executed.
	Queued int
	// Busy is the number of workers not parked.
	Busy int
}

func capacity(threadCount, maxInFlight int) int {
	return max(threadCount, maxInFlight)
}

func align8(n int) int {
	return (n + 7) &^ 7
}

// BufferSize returns the size of the buffer required by New.
func BufferSize(threadCount, maxInFlight int) int {
	return 2 * align8(capacity(threadCount, maxInFlight)*recordSize)
}

// New initializes a Pool of threadCount workers, with capacity for the
// greater of threadCount and maxInFlight queued routines. The buffer must
// be aligned to 8 bytes, and at least BufferSize bytes. The workers are
// not started until the first call to Start.
func New(threadCount, maxInFlight int, buf []byte, opts ...Option) (*Pool, error) {
	if threadCount <= 0 {
		return nil, fmt.Errorf(`%w: %d`, ErrThreadCount, threadCount)
	}
	if size := BufferSize(threadCount, maxInFlight); len(buf) < size {
		return nil, fmt.Errorf(`%w: have %d bytes, need %d`, ErrBufferTooSmall, len(buf), size)
	}

	cfg, err := resolvePoolOptions(opts)
	if err != nil {
		return nil, err
	}

	n := capacity(threadCount, maxInFlight)
	half := align8(n * recordSize)

	x := &Pool{
		items:     make([]runItem, n),
		workers:   make([]*worker, threadCount),
		logger:    cfg.logger,
		observer:  cfg.observer,
		spinCount: cfg.spinCount,
		wake:      make(chan struct{}, threadCount),
		parked:    make(chan struct{}, 1),
	}
	if err := x.queue.Init(buf[:half], recordSize, n); err != nil {
		return nil, fmt.Errorf(`workerpool: run queue: %w`, err)
	}
	if err := x.slots.Init(buf[half:2*half], recordSize, n); err != nil {
		return nil, fmt.Errorf(`workerpool: run slots: %w`, err)
	}

	for i := range x.workers {
		w := &worker{
			id:     i,
			resume: make(chan struct{}, 1),
		}
		w.thread = thread.New(func() int { return x.loop(w) })
		if cfg.lockOSThread {
			w.thread.LockOSThread()
		}
		x.workers[i] = w
	}

	x.logger.Debug().
		Int(`threads`, threadCount).
		Int(`capacity`, n).
		Log(`workerpool: created`)

	return x, nil
}

// State returns the current run state.
func (x *Pool) State() RunState {
	return x.state.Load()
}

// ThreadCount returns the number of workers.
func (x *Pool) ThreadCount() int {
	return len(x.workers)
}

// Cap returns the maximum number of routines that may be queued.
func (x *Pool) Cap() int {
	return x.slots.Cap()
}

// Stats returns a snapshot of the pool's counters.
func (x *Pool) Stats() Stats {
	return Stats{
		Enqueued: x.enqueued.Load(),
		Rejected: x.rejected.Load(),
		Executed: x.executed.Load(),
		Panics:   x.panics.Load(),
		Queued:   x.queue.Len(),
		Busy:     int(x.busy.Load()),
	}
}

// EnqueueRun queues routine to be called with arg, returning false if the
// pool is stopped, or there is no capacity. It is safe to call from any
// goroutine, though calls are serialized. Routines may be enqueued while
// the pool is not running, and will be picked up on Start.
func (x *Pool) EnqueueRun(routine Routine, arg any) bool {
	if routine == nil {
		panic(`workerpool: nil routine`)
	}

	if x.state.Load() == Stopped {
		x.rejected.Add(1)
		return false
	}

	index := x.slots.Allocate()
	if index == slotpool.None {
		x.rejected.Add(1)
		return false
	}
	x.items[index] = runItem{routine: routine, arg: arg}

	var record [recordSize]byte
	binary.NativeEndian.PutUint32(record[:], index)

	x.acquireProducer()
	ok := x.queue.Enqueue(record[:])
	x.producer.Store(false)

	if !ok {
		x.items[index] = runItem{}
		x.slots.Remove(index)
		x.rejected.Add(1)
		return false
	}

	x.enqueued.Add(1)

	select {
	case x.wake <- struct{}{}:
	default:
	}

	return true
}

// acquireProducer claims the right to enqueue, as the run queue supports
// only a single producer at a time.
func (x *Pool) acquireProducer() {
	for i := 1; !x.producer.CompareAndSwap(false, true); i++ {
		if i%64 == 0 {
			runtime.Gosched()
		}
	}
}

// Start transitions the pool to Running, and resumes every worker. It
// returns false if the pool is already running, is stopped, or has not
// been joined since it was paused.
func (x *Pool) Start() bool {
	if x.busy.Load() != 0 {
		return false
	}
	if _, ok := x.state.TransitionAny([]RunState{Idle, Paused}, Running); !ok {
		return false
	}

	// discard stale signals from the previous run
	for len(x.wake) != 0 {
		<-x.wake
	}
	select {
	case <-x.parked:
	default:
	}

	x.busy.Store(int32(len(x.workers)))
	for _, w := range x.workers {
		w.resume <- struct{}{}
		w.thread.Resume()
	}

	return true
}

// Pause requests that workers park after their current routine, returning
// false if the pool was not running. Queued routines are retained.
func (x *Pool) Pause() bool {
	if !x.state.TryTransition(Running, Paused) {
		return false
	}
	x.wakeAll()
	return true
}

// Join waits for all workers to park, returning false if the timeout
// elapses first. A negative timeout waits indefinitely.
func (x *Pool) Join(timeout time.Duration) bool {
	if x.busy.Load() == 0 {
		return true
	}

	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case <-x.parked:
			if x.busy.Load() == 0 {
				return true
			}
		case <-expired:
			return x.busy.Load() == 0
		}
	}
}

// Discard removes every queued routine without running it, returning the
// number removed. It is intended for use after Join, to abandon the
// remainder of a run.
func (x *Pool) Discard() (n int) {
	for {
		index, ok := x.next()
		if !ok {
			return n
		}
		x.items[index] = runItem{}
		x.slots.Remove(index)
		n++
	}
}

// Close stops the pool, and waits for every worker to exit. Routines that
// are still queued are not run. A negative timeout waits indefinitely.
// Calling Close more than once is safe.
func (x *Pool) Close(timeout time.Duration) error {
	if from, ok := x.state.TransitionAny([]RunState{Idle, Running, Paused}, Stopped); ok {
		x.logger.Debug().
			Stringer(`from`, from).
			Log(`workerpool: stopping`)
	}

	for _, w := range x.workers {
		select {
		case w.resume <- struct{}{}:
		default:
		}
		w.thread.Resume()
	}
	x.wakeAll()

	timer := interval.Start()
	for _, w := range x.workers {
		if !w.thread.Join(timer.Remaining(timeout)) {
			return fmt.Errorf(`%w %d after %s`, ErrJoinTimeout, w.id, timer.Elapsed())
		}
		if n, ok := w.thread.Result(); ok {
			x.logger.Trace().
				Int(`worker`, w.id).
				Int(`executed`, n).
				Log(`workerpool: worker exited`)
		}
	}

	return nil
}

func (x *Pool) wakeAll() {
	for range x.workers {
		select {
		case x.wake <- struct{}{}:
		default:
			return
		}
	}
}

// next dequeues a run slot index.
func (x *Pool) next() (uint32, bool) {
	var record [recordSize]byte
	if !x.queue.Dequeue(record[:]) {
		return 0, false
	}
	return binary.NativeEndian.Uint32(record[:]), true
}

// loop is the body of each worker thread, returning the number of routines
// it executed.
func (x *Pool) loop(w *worker) (executed int) {
	for {
		<-w.resume
		if x.state.Load() == Stopped {
			return executed
		}
		executed += x.drain()
		if x.busy.Add(-1) == 0 {
			select {
			case x.parked <- struct{}{}:
			default:
			}
		}
	}
}

// drain runs routines until the pool stops running.
func (x *Pool) drain() (executed int) {
	var spins int
	for x.state.Load() == Running {
		index, ok := x.next()
		if ok {
			item := x.items[index]
			x.items[index] = runItem{}
			x.slots.Remove(index)
			x.execute(item)
			executed++
			spins = 0
			continue
		}
		if spins < x.spinCount {
			spins++
			runtime.Gosched()
			continue
		}
		spins = 0
		<-x.wake
	}
	return executed
}

func (x *Pool) execute(item runItem) {
	var start time.Time
	if x.observer != nil {
		start = time.Now()
	}
	defer func() {
		if r := recover(); r != nil {
			x.panics.Add(1)
			x.logger.Err().
				Any(`panic`, r).
				Log(`workerpool: recovered panic in routine`)
		}
		x.executed.Add(1)
		if x.observer != nil {
			x.observer(time.Since(start))
		}
	}()
	item.routine(item.arg)
}
