// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package atomicstate implements a lock-free state machine with cache-line
// padding, shared by the worker pool and the command tree scheduler.
package atomicstate

import (
	"sync/atomic"
)

// These constants are verified via unit tests.
const (
	// sizeOfCacheLine is the size of a CPU cache line.
	// 64 bytes is standard for x86-64.
	// 128 bytes is standard for Apple Silicon (M1/M2/M3) and other ARM64.
	// We use 128 to satisfy the largest common alignment requirement.
	sizeOfCacheLine = 128

	// sizeOfAtomicUint64 is the size of an atomic.Uint64 variable.
	sizeOfAtomicUint64 = 8
)

// State is a lock-free state machine, over any uint64 based enumeration.
//
// State Transition Rules:
//   - Use TryTransition() (CAS) for states that may be contended
//   - Use Store() for irreversible states, or where the caller owns the state
//
// PERFORMANCE: Uses pure atomic CAS operations with no mutex.
// Cache-line padding prevents false sharing between cores.
type State[S ~uint64] struct { // betteralign:ignore
	_ [sizeOfCacheLine]byte                      // Cache line padding (before value) //nolint:unused
	v atomic.Uint64                              // State value
	_ [sizeOfCacheLine - sizeOfAtomicUint64]byte // Pad to complete cache line //nolint:unused
}

// New creates a new state machine in the given initial state.
func New[S ~uint64](initial S) *State[S] {
	s := &State[S]{}
	s.v.Store(uint64(initial))
	return s
}

// Load returns the current state atomically.
// PERFORMANCE: No validation, trusts the stored value.
func (s *State[S]) Load() S {
	return S(s.v.Load())
}

// Store atomically stores a new state.
// PERFORMANCE: No transition validation.
func (s *State[S]) Store(state S) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
func (s *State[S]) TryTransition(from, to S) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// TransitionAny attempts to transition from any of the given source states
// to the target, returning the state it transitioned from.
func (s *State[S]) TransitionAny(validFrom []S, to S) (S, bool) {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint64(from), uint64(to)) {
			return from, true
		}
	}
	return s.Load(), false
}

// Is returns true if the current state is any of the given states.
func (s *State[S]) Is(states ...S) bool {
	current := s.Load()
	for _, state := range states {
		if current == state {
			return true
		}
	}
	return false
}
