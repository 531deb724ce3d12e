// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package slotpool

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// None is the index returned when no slot is available.
const None = ^uint32(0)

const (
	indexBits = 56
	indexMask = 1<<indexBits - 1
	// noIndex is None, as it is stored in the low bits of a tagged word
	noIndex = indexMask
)

var (
	// ErrMisaligned indicates the buffer is not aligned to 8 bytes.
	ErrMisaligned = errors.New(`slotpool: buffer not 8 byte aligned`)

	// ErrItemSize indicates the item size is not a positive multiple of 4.
	ErrItemSize = errors.New(`slotpool: item size must be a positive multiple of 4`)

	// ErrBufferTooSmall indicates the buffer cannot hold every slot.
	ErrBufferTooSmall = errors.New(`slotpool: buffer too small`)

	// ErrCapacity indicates the capacity is not positive, or is too large
	// to be represented.
	ErrCapacity = errors.New(`slotpool: invalid capacity`)
)

// AlignedBuffer allocates a zeroed buffer of the given size, aligned to 8
// bytes, suitable for any of the types in this module that require one.
func AlignedBuffer(size int) []byte {
	if size <= 0 {
		return nil
	}
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), size)
}

// Aligned reports whether the first byte of buf is aligned to 8 bytes.
// An empty buffer is considered aligned.
func Aligned(buf []byte) bool {
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))%8 == 0
}

func validateLayout(buf []byte, itemSize, capacity int) error {
	if itemSize <= 0 || itemSize%4 != 0 {
		return fmt.Errorf(`%w: %d`, ErrItemSize, itemSize)
	}
	if capacity <= 0 || uint64(capacity) >= uint64(None) {
		return fmt.Errorf(`%w: %d`, ErrCapacity, capacity)
	}
	if !Aligned(buf) {
		return ErrMisaligned
	}
	if need := uint64(itemSize) * uint64(capacity); uint64(len(buf)) < need {
		return fmt.Errorf(`%w: have %d bytes, need %d`, ErrBufferTooSmall, len(buf), need)
	}
	return nil
}

func pack(tag, index uint64) uint64 {
	return tag<<indexBits | index&indexMask
}

func unpack(v uint64) (tag, index uint64) {
	return v >> indexBits, v & indexMask
}

// core implements the free list, and all state except the claiming of
// never-used slots.
type core struct {
	buf      []byte
	itemSize uint32
	capacity uint32
	_        cpu.CacheLinePad
	freeHead atomic.Uint64
	_        cpu.CacheLinePad
	// highWater is a plain counter for Pool, and a tagged word for Array
	highWater atomic.Uint64
	_         cpu.CacheLinePad
}

func (x *core) init(buf []byte, itemSize, capacity int) error {
	if err := validateLayout(buf, itemSize, capacity); err != nil {
		return err
	}
	x.buf = buf[:itemSize*capacity]
	x.itemSize = uint32(itemSize)
	x.capacity = uint32(capacity)
	x.Reset()
	return nil
}

// next returns the free list link stored in the given slot.
func (x *core) next(index uint32) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&x.buf[uintptr(index)*uintptr(x.itemSize)]))
}

func (x *core) pop() uint32 {
	for {
		head := x.freeHead.Load()
		tag, index := unpack(head)
		if index == noIndex {
			return None
		}
		// may be stale, in which case the swap will fail
		next := uint64(x.next(uint32(index)).Load())
		if next == uint64(None) {
			next = noIndex
		}
		if x.freeHead.CompareAndSwap(head, pack(tag+1, next)) {
			return uint32(index)
		}
	}
}

func (x *core) insert(index uint32, item []byte) uint32 {
	if index != None {
		copy(x.Slot(index), item)
	}
	return index
}

func (x *core) checkItem(item []byte) {
	if len(item) != int(x.itemSize) {
		panic(fmt.Sprintf(`slotpool: item size %d != %d`, len(item), x.itemSize))
	}
}

// Remove returns the slot at index to the free list. The index must have
// been allocated, and not since removed. Panics if index is out of range.
func (x *core) Remove(index uint32) {
	if index >= x.capacity {
		panic(fmt.Sprintf(`slotpool: index %d out of range`, index))
	}
	link := x.next(index)
	for {
		head := x.freeHead.Load()
		tag, next := unpack(head)
		if next == noIndex {
			link.Store(None)
		} else {
			link.Store(uint32(next))
		}
		if x.freeHead.CompareAndSwap(head, pack(tag+1, uint64(index))) {
			return
		}
	}
}

// Slot returns the memory of the slot at index. Panics if index is out of
// range.
func (x *core) Slot(index uint32) []byte {
	if index >= x.capacity {
		panic(fmt.Sprintf(`slotpool: index %d out of range`, index))
	}
	offset := uintptr(index) * uintptr(x.itemSize)
	end := offset + uintptr(x.itemSize)
	return x.buf[offset:end:end]
}

// Cap returns the number of slots.
func (x *core) Cap() int { return int(x.capacity) }

// ItemSize returns the size of each slot, in bytes.
func (x *core) ItemSize() int { return int(x.itemSize) }

// Reset returns every slot to the never-used state. It must not be called
// concurrently with any other method, and any live indexes are forfeit.
func (x *core) Reset() {
	x.freeHead.Store(pack(0, noIndex))
	x.highWater.Store(0)
}

// Pool is a fixed-capacity slot allocator, which claims never-used slots
// using an atomic add. The zero value must be initialized using Init.
type Pool struct {
	core
}

// New allocates and initializes a Pool.
func New(buf []byte, itemSize, capacity int) (*Pool, error) {
	var p Pool
	if err := p.Init(buf, itemSize, capacity); err != nil {
		return nil, err
	}
	return &p, nil
}

// Init initializes the pool in place. The buffer must be aligned to 8
// bytes, and hold at least itemSize*capacity bytes. The item size must be
// a positive multiple of 4. Errors wrap ErrMisaligned, ErrItemSize,
// ErrBufferTooSmall or ErrCapacity.
func (x *Pool) Init(buf []byte, itemSize, capacity int) error {
	return x.core.init(buf, itemSize, capacity)
}

// Allocate claims a slot, returning its index, or None if the pool is
// exhausted. It never blocks.
func (x *Pool) Allocate() uint32 {
	if index := x.pop(); index != None {
		return index
	}
	if n := x.highWater.Add(1) - 1; n < uint64(x.capacity) {
		return uint32(n)
	}
	return None
}

// Insert allocates a slot and copies item into it, returning the index, or
// None if the pool is exhausted. Panics if item is not exactly ItemSize
// bytes.
func (x *Pool) Insert(item []byte) uint32 {
	x.checkItem(item)
	return x.insert(x.Allocate(), item)
}

// NumIndexesUsed returns the number of slots that have ever been claimed,
// including any that are currently free.
func (x *Pool) NumIndexesUsed() int {
	return int(min(x.highWater.Load(), uint64(x.capacity)))
}

// Array is a fixed-capacity slot allocator, which claims never-used slots
// using a tagged compare-and-swap loop. The zero value must be initialized
// using Init.
type Array struct {
	core
}

// NewArray allocates and initializes an Array.
func NewArray(buf []byte, itemSize, capacity int) (*Array, error) {
	var a Array
	if err := a.Init(buf, itemSize, capacity); err != nil {
		return nil, err
	}
	return &a, nil
}

// Init initializes the array in place, see [Pool.Init].
func (x *Array) Init(buf []byte, itemSize, capacity int) error {
	return x.core.init(buf, itemSize, capacity)
}

// Allocate claims a slot, returning its index, or None if the array is
// exhausted. It never blocks.
func (x *Array) Allocate() uint32 {
	if index := x.pop(); index != None {
		return index
	}
	for {
		v := x.highWater.Load()
		tag, n := unpack(v)
		if n >= uint64(x.capacity) {
			return None
		}
		if x.highWater.CompareAndSwap(v, pack(tag+1, n+1)) {
			return uint32(n)
		}
	}
}

// Insert allocates a slot and copies item into it, see [Pool.Insert].
func (x *Array) Insert(item []byte) uint32 {
	x.checkItem(item)
	return x.insert(x.Allocate(), item)
}

// NumIndexesUsed returns the number of slots that have ever been claimed,
// including any that are currently free.
func (x *Array) NumIndexesUsed() int {
	_, n := unpack(x.highWater.Load())
	return int(n)
}
