// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package cmdtree implements a scheduler that runs a fixed-size dependency
// graph of commands to completion, across a pool of worker threads.
//
// A Scheduler is initialized once, with a caller-supplied buffer, which is
// partitioned into the worker pool's storage, and scratch space for the
// tree. Trees are constructed from a flat list of NodeDesc, then executed
// any number of times. Root nodes (those without dependencies) are
// scheduled first. As each node succeeds, it marks its children's
// dependencies as satisfied, and whichever parent completes a child's
// dependencies schedules it. A failing node stops further expansion, and
// the run ends once in-flight nodes have returned.
//
// The graph must be acyclic. Cycles are not detected, and will cause runs
// to time out.
//
// Scheduler methods other than State and Stats must not be called
// concurrently.
package cmdtree

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-cmdtree/internal/atomicstate"
	"github.com/joeycumines/go-cmdtree/internal/interval"
	"github.com/joeycumines/go-cmdtree/internal/semaphore"
	"github.com/joeycumines/go-cmdtree/slotpool"
	"github.com/joeycumines/go-cmdtree/workerpool"
	"github.com/joeycumines/logiface"
)

const (
	// MaxNodes is the maximum number of nodes in a tree.
	MaxNodes = 256

	// MaxDepends is the maximum number of dependencies of a single node.
	MaxDepends = 8

	// InfiniteTimeout may be used to wait indefinitely. Any negative
	// timeout has the same effect.
	InfiniteTimeout time.Duration = -1
)

const (
	// ReturnCodeTimeout is returned when a run times out.
	ReturnCodeTimeout int32 = math.MinInt32 + iota
	// ReturnCodePanic is the code recorded for a routine that panicked.
	ReturnCodePanic
	// ReturnCodeRejected is the code recorded for a node that could not be
	// scheduled, which may only occur if the scheduler is closed mid-run.
	ReturnCodeRejected
)

// State is the lifecycle state of a Scheduler.
type State uint64

const (
	Uninitialized State = iota
	Initialized
	ReadyToExecute
	Executing
	// TimedOut indicates a run was abandoned, see Scheduler.Recover.
	TimedOut
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return `Uninitialized`
	case Initialized:
		return `Initialized`
	case ReadyToExecute:
		return `ReadyToExecute`
	case Executing:
		return `Executing`
	case TimedOut:
		return `TimedOut`
	case Closed:
		return `Closed`
	default:
		return fmt.Sprintf(`State(%d)`, uint64(s))
	}
}

// Routine is the work performed by a node. Any non-zero return value is a
// failure.
type Routine func(arg any) int32

// NodeDesc describes a node, for ConstructTree.
type NodeDesc struct {
	Routine Routine
	Arg     any
	// Name is optional, and used only for diagnostics.
	Name string
	// Depends are the indexes of the nodes that must succeed before this
	// one runs.
	Depends []int
}

// Result describes a completed call to ExecuteCommands or ExecuteContext.
type Result struct {
	Err      error
	Duration time.Duration
	Nodes    int
	Finished int
	Code     int32
}

// Stats is a snapshot of a Scheduler's counters.
type Stats struct {
	Pool      workerpool.Stats
	Runs      uint64
	Succeeded uint64
	Failed    uint64
	TimedOut  uint64
}

type commandNode struct {
	routine    Routine
	arg        any
	panicValue any
	name       string
	children   []uint16
	satisfied  atomic.Int32
	depends    int32
	index      uint16
}

// Scheduler runs a dependency graph of commands, see the package docs.
type Scheduler struct {
	state          atomicstate.State[State]
	nodes          [MaxNodes]commandNode
	pool           *workerpool.Pool
	done           *semaphore.Semaphore
	logger         *logiface.Logger[logiface.Event]
	failureLimiter *catrate.Limiter
	observer       func(Result)
	runFn          workerpool.Routine
	scratch        []byte
	roots          []uint16
	poolOptions    []workerpool.Option
	joinTimeout    time.Duration
	finished       atomic.Int32
	nodeCount      int32
	// failure is zero, or the packed index and code of the first failure
	failure   atomic.Uint64
	runs      atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
}

// RequiredBufferSize returns the buffer size needed to Initialize with
// threadCount, then construct a tree with the given number of root nodes
// and dependency edges.
func RequiredBufferSize(threadCount, rootCount, edgeCount int) int {
	return workerpool.BufferSize(threadCount, MaxNodes) + scratchSize(rootCount, edgeCount)
}

func scratchSize(rootCount, edgeCount int) int {
	return (int(unsafe.Sizeof(uint16(0)))*(rootCount+edgeCount) + 7) &^ 7
}

// New returns an Uninitialized Scheduler.
func New(opts ...Option) (*Scheduler, error) {
	cfg, err := resolveSchedulerOptions(opts)
	if err != nil {
		return nil, err
	}
	x := &Scheduler{
		logger:         cfg.logger,
		failureLimiter: cfg.failureLimiter,
		observer:       cfg.observer,
		joinTimeout:    cfg.joinTimeout,
		poolOptions:    append([]workerpool.Option{workerpool.WithLogger(cfg.logger)}, cfg.poolOptions...),
		// one per node is the most that can be released in a single run
		done: semaphore.New(MaxNodes),
	}
	x.runFn = x.run
	return x, nil
}

// State returns the current state.
func (x *Scheduler) State() State {
	return x.state.Load()
}

// NodeCount returns the number of nodes in the current tree.
func (x *Scheduler) NodeCount() int {
	return int(x.nodeCount)
}

// Stats returns a snapshot of the scheduler's counters.
func (x *Scheduler) Stats() Stats {
	s := Stats{
		Runs:      x.runs.Load(),
		Succeeded: x.succeeded.Load(),
		Failed:    x.failed.Load(),
		TimedOut:  x.timedOut.Load(),
	}
	if pool := x.workerPool(); pool != nil {
		s.Pool = pool.Stats()
	}
	return s
}

func (x *Scheduler) workerPool() *workerpool.Pool {
	if x.state.Is(Uninitialized) {
		return nil
	}
	return x.pool
}

// Initialize partitions buf into storage for a worker pool of threadCount
// threads, and scratch space for trees, then starts the pool's lifecycle.
// The buffer must be aligned to 8 bytes, and should be sized using
// RequiredBufferSize. It must not be used by the caller until the
// Scheduler is closed.
func (x *Scheduler) Initialize(threadCount int, buf []byte) error {
	if state := x.state.Load(); state != Uninitialized {
		if state == Closed {
			return fmt.Errorf(`%w: closed`, ErrInvalidState)
		}
		return ErrAlreadyInitialized
	}
	if !slotpool.Aligned(buf) {
		return ErrMisaligned
	}
	poolSize := workerpool.BufferSize(threadCount, MaxNodes)
	if len(buf) < poolSize {
		return fmt.Errorf(`%w: have %d bytes, need at least %d`, ErrBufferTooSmall, len(buf), poolSize)
	}
	pool, err := workerpool.New(threadCount, MaxNodes, buf[:poolSize:poolSize], x.poolOptions...)
	if err != nil {
		return fmt.Errorf(`cmdtree: worker pool: %w`, err)
	}
	x.pool = pool
	x.scratch = buf[poolSize:]
	x.state.Store(Initialized)
	x.logger.Debug().
		Int(`threads`, threadCount).
		Int(`scratch`, len(x.scratch)).
		Log(`cmdtree: initialized`)
	return nil
}

// ConstructTree builds a tree from nodes, replacing any existing tree. The
// index of each node within nodes is used to identify dependencies. If an
// error is returned, the existing tree (if any) is unchanged.
func (x *Scheduler) ConstructTree(nodes []NodeDesc) error {
	if !x.state.Is(Initialized, ReadyToExecute) {
		return fmt.Errorf(`%w: cannot construct from %s`, ErrInvalidState, x.state.Load())
	}
	if len(nodes) > MaxNodes {
		return fmt.Errorf(`%w: %d > %d`, ErrTooManyNodes, len(nodes), MaxNodes)
	}

	var (
		childCounts [MaxNodes]int
		rootCount   int
		edgeCount   int
	)
	for i := range nodes {
		desc := &nodes[i]
		if desc.Routine == nil {
			return fmt.Errorf(`%w: node %d`, ErrNilRoutine, i)
		}
		if len(desc.Depends) > MaxDepends {
			return fmt.Errorf(`%w: node %d has %d > %d`, ErrTooManyDepends, i, len(desc.Depends), MaxDepends)
		}
		if len(desc.Depends) == 0 {
			rootCount++
		}
		for _, dep := range desc.Depends {
			if dep < 0 || dep >= len(nodes) || dep == i {
				return fmt.Errorf(`%w: node %d depends on %d`, ErrDependencyIndex, i, dep)
			}
			childCounts[dep]++
			edgeCount++
		}
	}
	if rootCount == 0 && len(nodes) != 0 {
		return ErrNoRoots
	}
	if need := scratchSize(rootCount, edgeCount); len(x.scratch) < need {
		return fmt.Errorf(`%w: have %d bytes of scratch, need %d`, ErrBufferTooSmall, len(x.scratch), need)
	}

	var indexes []uint16
	if n := rootCount + edgeCount; n != 0 {
		indexes = unsafe.Slice((*uint16)(unsafe.Pointer(unsafe.SliceData(x.scratch))), n)
	}
	x.roots = indexes[:0:rootCount]
	children := indexes[rootCount:]

	for i := range nodes {
		desc := &nodes[i]
		node := &x.nodes[i]
		node.routine = desc.Routine
		node.arg = desc.Arg
		node.panicValue = nil
		node.name = desc.Name
		node.depends = int32(len(desc.Depends))
		node.satisfied.Store(0)
		node.index = uint16(i)
		node.children = children[:0:childCounts[i]]
		children = children[childCounts[i]:]
	}
	for i := range x.nodes[len(nodes):] {
		x.nodes[len(nodes)+i] = commandNode{}
	}

	for i := range nodes {
		if len(nodes[i].Depends) == 0 {
			x.roots = append(x.roots, uint16(i))
		}
		for _, dep := range nodes[i].Depends {
			x.nodes[dep].children = append(x.nodes[dep].children, uint16(i))
		}
	}

	x.nodeCount = int32(len(nodes))
	x.state.Store(ReadyToExecute)

	x.logger.Debug().
		Int(`nodes`, len(nodes)).
		Int(`roots`, rootCount).
		Int(`edges`, edgeCount).
		Log(`cmdtree: constructed tree`)

	return nil
}

// ExecuteCommands runs the tree, waiting up to timeout for it to complete.
// A negative timeout waits indefinitely.
//
// On success, (0, nil) is returned, and the tree may be executed again.
// If a node fails, its code is returned with a *NodeError, and the tree
// must be reconstructed before the next run. If the timeout elapses,
// ReturnCodeTimeout and ErrTimeout are returned, and the scheduler enters
// the TimedOut state, see Recover. In-flight nodes are never cancelled.
func (x *Scheduler) ExecuteCommands(timeout time.Duration) (int32, error) {
	return x.execute(context.Background(), timeout)
}

// ExecuteContext is ExecuteCommands, bounded by the context rather than a
// timeout. The context being done is treated as a timeout, and the
// returned error will wrap both ErrTimeout and the context's cause.
func (x *Scheduler) ExecuteContext(ctx context.Context) (int32, error) {
	return x.execute(ctx, InfiniteTimeout)
}

func (x *Scheduler) execute(ctx context.Context, timeout time.Duration) (code int32, err error) {
	if !x.state.TryTransition(ReadyToExecute, Executing) {
		return 0, fmt.Errorf(`%w: cannot execute from %s`, ErrInvalidState, x.state.Load())
	}

	timer := interval.Start()
	x.runs.Add(1)
	defer func() {
		if x.observer != nil {
			x.observer(Result{
				Err:      err,
				Duration: timer.Elapsed(),
				Nodes:    int(x.nodeCount),
				Finished: int(x.finished.Load()),
				Code:     code,
			})
		}
	}()

	x.finished.Store(0)
	x.failure.Store(0)

	if x.nodeCount == 0 {
		x.succeeded.Add(1)
		x.state.Store(ReadyToExecute)
		return 0, nil
	}

	if n := x.done.Drain(); n != 0 {
		x.logger.Trace().
			Int(`count`, n).
			Log(`cmdtree: discarded stale completion signals`)
	}

	if !x.pool.Start() {
		x.state.Store(Initialized)
		return 0, fmt.Errorf(`%w: worker pool is %s`, ErrInvalidState, x.pool.State())
	}

	for _, root := range x.roots {
		x.schedule(&x.nodes[root])
	}

	if !x.wait(ctx, &timer, timeout) {
		x.timedOut.Add(1)
		x.state.Store(TimedOut)
		err = ErrTimeout
		if cause := context.Cause(ctx); cause != nil {
			err = fmt.Errorf(`%w: %w`, ErrTimeout, cause)
		}
		x.logger.Warning().
			Dur(`elapsed`, timer.Elapsed()).
			Int(`finished`, int(x.finished.Load())).
			Int(`nodes`, int(x.nodeCount)).
			Log(`cmdtree: timed out waiting for commands`)
		return ReturnCodeTimeout, err
	}

	x.pool.Pause()
	joined := x.pool.Join(x.joinTimeout)

	failure := x.failure.Load()
	if failure == 0 {
		if !joined {
			x.timedOut.Add(1)
			x.state.Store(TimedOut)
			return ReturnCodeTimeout, fmt.Errorf(`%w: joining workers`, ErrTimeout)
		}
		x.succeeded.Add(1)
		x.state.Store(ReadyToExecute)
		return 0, nil
	}

	x.failed.Add(1)
	nodeErr := x.nodeError(failure, joined)
	if !joined {
		x.state.Store(TimedOut)
		return nodeErr.Code, errors.Join(nodeErr, fmt.Errorf(`%w: joining workers`, ErrTimeout))
	}
	if n := x.pool.Discard(); n != 0 {
		x.logger.Debug().
			Int(`count`, n).
			Log(`cmdtree: discarded queued commands after failure`)
	}
	x.state.Store(Initialized)
	return nodeErr.Code, nodeErr
}

// Recover waits up to timeout for an abandoned run to complete or fail,
// then transitions from TimedOut to Initialized. The tree must be
// reconstructed before the next run. ErrTimeout is returned if the run is
// still in progress, in which case Recover may be called again.
func (x *Scheduler) Recover(timeout time.Duration) error {
	if !x.state.Is(TimedOut) {
		return fmt.Errorf(`%w: cannot recover from %s`, ErrInvalidState, x.state.Load())
	}
	timer := interval.Start()
	if !x.wait(context.Background(), &timer, timeout) {
		return fmt.Errorf(`%w: run still in progress`, ErrTimeout)
	}
	x.pool.Pause()
	if !x.pool.Join(timer.Remaining(timeout)) {
		return fmt.Errorf(`%w: joining workers`, ErrTimeout)
	}
	discarded := x.pool.Discard()
	x.done.Drain()
	x.state.Store(Initialized)
	x.logger.Info().
		Int(`finished`, int(x.finished.Load())).
		Int(`discarded`, discarded).
		Dur(`elapsed`, timer.Elapsed()).
		Log(`cmdtree: recovered from timeout`)
	return nil
}

// Close stops the worker pool, waiting up to timeout for workers to exit.
// The scheduler cannot be used after Close. Calling Close more than once is
// safe.
func (x *Scheduler) Close(timeout time.Duration) error {
	prev, _ := x.state.TransitionAny([]State{Uninitialized, Initialized, ReadyToExecute, Executing, TimedOut}, Closed)
	if prev == Uninitialized || x.pool == nil {
		return nil
	}
	if err := x.pool.Close(timeout); err != nil {
		return fmt.Errorf(`cmdtree: %w`, err)
	}
	return nil
}

// complete returns true if the run has finished, or failed.
func (x *Scheduler) complete() bool {
	return x.failure.Load() != 0 || x.finished.Load() == x.nodeCount
}

// wait blocks until the run completes, the timeout elapses, or ctx is
// done, returning true if the run completed.
func (x *Scheduler) wait(ctx context.Context, timer *interval.Timer, timeout time.Duration) bool {
	cancel := ctx.Done()
	for !x.complete() {
		remaining := timer.Remaining(timeout)

		if cancel == nil {
			if !x.done.Wait(remaining) {
				return x.complete()
			}
		} else if !x.waitCancel(cancel, remaining) {
			return x.complete()
		}

		x.logger.Trace().
			Dur(`since`, timer.Pulse()).
			Int(`finished`, int(x.finished.Load())).
			Log(`cmdtree: woken`)
	}
	return true
}

// waitCancel is the equivalent of x.done.Wait, which also returns false if
// cancel is closed.
func (x *Scheduler) waitCancel(cancel <-chan struct{}, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-x.done.Chan():
		return true
	case <-cancel:
	case <-expired:
	}
	return false
}

func (x *Scheduler) nodeError(failure uint64, joined bool) *NodeError {
	index, code := unpackFailure(failure)
	node := &x.nodes[index]
	err := &NodeError{
		Name:  node.name,
		Index: index,
		Code:  code,
	}
	if joined {
		err.Panic = node.panicValue
	}
	return err
}

const failureSet = 1 << 63

func packFailure(index uint16, code int32) uint64 {
	return failureSet | uint64(index)<<32 | uint64(uint32(code))
}

func unpackFailure(v uint64) (index int, code int32) {
	return int(uint16(v >> 32)), int32(uint32(v))
}

func (x *Scheduler) schedule(node *commandNode) {
	if !x.pool.EnqueueRun(x.runFn, node) {
		x.fail(node, ReturnCodeRejected)
	}
}

// run executes a single node, on a worker.
func (x *Scheduler) run(arg any) {
	node := arg.(*commandNode)
	node.satisfied.Store(0)

	if code := x.invoke(node); code != 0 {
		x.fail(node, code)
		return
	}

	if x.finished.Add(1) == x.nodeCount {
		x.done.Release()
		return
	}

	if x.failure.Load() != 0 {
		return
	}

	for _, index := range node.children {
		child := &x.nodes[index]
		if child.satisfied.Add(1) == child.depends {
			x.schedule(child)
		}
	}
}

func (x *Scheduler) invoke(node *commandNode) (code int32) {
	defer func() {
		if r := recover(); r != nil {
			node.panicValue = r
			code = ReturnCodePanic
		}
	}()
	return node.routine(node.arg)
}

// fail records the first failure, and wakes the waiting caller.
func (x *Scheduler) fail(node *commandNode, code int32) {
	if x.failure.CompareAndSwap(0, packFailure(node.index, code)) {
		if _, ok := x.failureLimiter.Allow(node.index); ok {
			x.logger.Warning().
				Int(`node`, int(node.index)).
				Str(`name`, node.name).
				Int64(`code`, int64(code)).
				Log(`cmdtree: command failed`)
		}
	}
	x.done.Release()
}
