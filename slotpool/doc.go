// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package slotpool implements fixed-capacity, lock-free slot allocators,
// over a caller-supplied buffer.
//
// A pool hands out indexes of fixed-size slots within the buffer. Free
// slots are threaded into a free list through their own memory (the first
// four bytes of each free slot hold the index of the next), so no separate
// bookkeeping is required, and both allocation and removal are O(1).
//
// Two variants are provided, differing only in how never-used slots are
// claimed. [Pool] uses a single atomic add, which cannot fail but lets the
// internal counter run past capacity. [Array] uses a compare-and-swap loop,
// which keeps the counter exact.
//
// Both the free list head and the [Array] high-water counter carry an
// 8-bit generation tag alongside the 56-bit index, incremented on every
// successful compare-and-swap. This prevents the ABA problem, where a slot
// is removed and reallocated between a reader's load and its swap.
//
// The slot memory is shared with the free list, so callers must not access
// a slot after removing it. Concurrent readers of the free list may load
// the first word of a slot after it has been reallocated, which is why
// those accesses are atomic. Callers writing to live slots concurrently
// with allocation in other goroutines should do so using atomic
// operations, if they wish to remain clean under the race detector.
package slotpool
