// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package cmdtree

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInitialized is returned by Initialize if called more than once.
	ErrAlreadyInitialized = errors.New(`cmdtree: already initialized`)

	// ErrInvalidState indicates an operation is not valid in the current state.
	ErrInvalidState = errors.New(`cmdtree: invalid state`)

	// ErrMisaligned indicates the buffer is not aligned to 8 bytes.
	ErrMisaligned = errors.New(`cmdtree: buffer not 8 byte aligned`)

	// ErrBufferTooSmall indicates the buffer cannot hold the worker pool, or
	// the command tree.
	ErrBufferTooSmall = errors.New(`cmdtree: buffer too small`)

	// ErrTooManyNodes indicates more than MaxNodes nodes.
	ErrTooManyNodes = errors.New(`cmdtree: too many nodes`)

	// ErrTooManyDepends indicates a node with more than MaxDepends dependencies.
	ErrTooManyDepends = errors.New(`cmdtree: too many dependencies`)

	// ErrDependencyIndex indicates a dependency that is out of range, or
	// refers to the node itself.
	ErrDependencyIndex = errors.New(`cmdtree: invalid dependency index`)

	// ErrNilRoutine indicates a node without a routine.
	ErrNilRoutine = errors.New(`cmdtree: nil routine`)

	// ErrNoRoots indicates a non-empty tree in which every node has
	// dependencies.
	ErrNoRoots = errors.New(`cmdtree: no root nodes`)

	// ErrNodeFailed is wrapped by NodeError.
	ErrNodeFailed = errors.New(`cmdtree: node failed`)

	// ErrTimeout indicates the timeout elapsed before the run settled.
	ErrTimeout = errors.New(`cmdtree: timeout`)
)

// NodeError describes the first node to fail during a run.
type NodeError struct {
	// Panic is the recovered value, if the routine panicked.
	Panic any
	Name  string
	Index int
	Code  int32
}

func (e *NodeError) Error() string {
	var name string
	if e.Name != `` {
		name = fmt.Sprintf(` (%s)`, e.Name)
	}
	switch e.Code {
	case ReturnCodePanic:
		return fmt.Sprintf(`cmdtree: node %d%s panicked: %v`, e.Index, name, e.Panic)
	case ReturnCodeRejected:
		return fmt.Sprintf(`cmdtree: node %d%s could not be scheduled`, e.Index, name)
	default:
		return fmt.Sprintf(`cmdtree: node %d%s failed with code %d`, e.Index, name, e.Code)
	}
}

func (e *NodeError) Unwrap() error { return ErrNodeFailed }
