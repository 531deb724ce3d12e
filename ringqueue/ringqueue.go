// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package ringqueue implements a bounded, lock-free, single-producer
// multi-consumer queue of fixed-size records, stored in a caller-supplied
// buffer.
//
// Each cursor packs a byte offset into the buffer (low 32 bits) with a lap
// counter (high 32 bits). The queue is empty when the cursors are equal,
// and full when their offsets are equal but their laps differ, so a queue
// of capacity N needs exactly N slots of backing storage.
//
// Consumers copy a record out before attempting to claim it, so a consumer
// that loses the race may have read a record that was concurrently being
// overwritten. That read is discarded. Records are copied using 32-bit
// atomic operations, which makes this well-defined.
package ringqueue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

var (
	// ErrMisaligned indicates the buffer is not aligned to 8 bytes.
	ErrMisaligned = errors.New(`ringqueue: buffer not 8 byte aligned`)

	// ErrItemSize indicates the item size is not a positive multiple of 4.
	ErrItemSize = errors.New(`ringqueue: item size must be a positive multiple of 4`)

	// ErrBufferTooSmall indicates the buffer cannot hold every item.
	ErrBufferTooSmall = errors.New(`ringqueue: buffer too small`)

	// ErrCapacity indicates the capacity is not positive, or the queue
	// would span more than 4GiB.
	ErrCapacity = errors.New(`ringqueue: invalid capacity`)
)

// Queue is a bounded SPMC queue. At most one goroutine may call Enqueue at
// any one time, which callers must enforce. Any number of goroutines may
// call Dequeue. The zero value must be initialized using Init.
type Queue struct {
	buf      []byte
	itemSize uint32
	size     uint32
	_        cpu.CacheLinePad
	head     atomic.Uint64
	_        cpu.CacheLinePad
	tail     atomic.Uint64
	_        cpu.CacheLinePad
}

// New allocates and initializes a Queue.
func New(buf []byte, itemSize, capacity int) (*Queue, error) {
	var q Queue
	if err := q.Init(buf, itemSize, capacity); err != nil {
		return nil, err
	}
	return &q, nil
}

// Init initializes the queue in place, discarding any state. The buffer
// must be aligned to 8 bytes, and hold at least itemSize*capacity bytes.
// The item size must be a positive multiple of 4. Errors wrap
// ErrMisaligned, ErrItemSize, ErrBufferTooSmall or ErrCapacity.
func (x *Queue) Init(buf []byte, itemSize, capacity int) error {
	if itemSize <= 0 || itemSize%4 != 0 {
		return fmt.Errorf(`%w: %d`, ErrItemSize, itemSize)
	}
	size := uint64(itemSize) * uint64(capacity)
	if capacity <= 0 || size > math.MaxUint32 {
		return fmt.Errorf(`%w: %d`, ErrCapacity, capacity)
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(buf)))%8 != 0 {
		return ErrMisaligned
	}
	if uint64(len(buf)) < size {
		return fmt.Errorf(`%w: have %d bytes, need %d`, ErrBufferTooSmall, len(buf), size)
	}
	x.buf = buf[:size]
	x.itemSize = uint32(itemSize)
	x.size = uint32(size)
	x.Reset()
	return nil
}

func offsetOf(cursor uint64) uint32 { return uint32(cursor) }

func lapOf(cursor uint64) uint32 { return uint32(cursor >> 32) }

func (x *Queue) advance(cursor uint64) uint64 {
	offset, lap := offsetOf(cursor)+x.itemSize, lapOf(cursor)
	if offset == x.size {
		offset = 0
		lap++
	}
	return uint64(lap)<<32 | uint64(offset)
}

func (x *Queue) word(offset uint32) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&x.buf[offset]))
}

func (x *Queue) checkItem(item []byte) {
	if len(item) != int(x.itemSize) {
		panic(fmt.Sprintf(`ringqueue: item size %d != %d`, len(item), x.itemSize))
	}
}

// Enqueue copies item onto the tail of the queue, returning false if the
// queue is full. Panics if item is not exactly ItemSize bytes.
//
// Must not be called concurrently with itself.
func (x *Queue) Enqueue(item []byte) bool {
	x.checkItem(item)
	tail := x.tail.Load()
	if head := x.head.Load(); offsetOf(head) == offsetOf(tail) && lapOf(head) != lapOf(tail) {
		return false
	}
	offset := offsetOf(tail)
	for i := 0; i < len(item); i += 4 {
		x.word(offset + uint32(i)).Store(binary.NativeEndian.Uint32(item[i:]))
	}
	x.tail.Store(x.advance(tail))
	return true
}

// Dequeue copies the record at the head of the queue into out, and removes
// it, returning false if the queue is empty. If false is returned, out may
// have been modified. Panics if out is not exactly ItemSize bytes.
func (x *Queue) Dequeue(out []byte) bool {
	x.checkItem(out)
	for {
		head := x.head.Load()
		if head == x.tail.Load() {
			return false
		}
		offset := offsetOf(head)
		for i := 0; i < len(out); i += 4 {
			binary.NativeEndian.PutUint32(out[i:], x.word(offset+uint32(i)).Load())
		}
		if x.head.CompareAndSwap(head, x.advance(head)) {
			return true
		}
	}
}

// Len returns a snapshot of the number of queued records.
func (x *Queue) Len() int {
	head := x.head.Load()
	tail := x.tail.Load()
	n := int64(lapOf(tail)-lapOf(head))*int64(x.Cap()) +
		(int64(offsetOf(tail))-int64(offsetOf(head)))/int64(x.itemSize)
	return int(max(0, min(n, int64(x.Cap()))))
}

// Cap returns the maximum number of records.
func (x *Queue) Cap() int {
	if x.itemSize == 0 {
		return 0
	}
	return int(x.size / x.itemSize)
}

// ItemSize returns the size of each record, in bytes.
func (x *Queue) ItemSize() int { return int(x.itemSize) }

// IsEmpty returns true if the queue is empty.
func (x *Queue) IsEmpty() bool {
	return x.head.Load() == x.tail.Load()
}

// IsFull returns true if the queue is full.
func (x *Queue) IsFull() bool {
	head := x.head.Load()
	tail := x.tail.Load()
	return offsetOf(head) == offsetOf(tail) && lapOf(head) != lapOf(tail)
}

// Reset empties the queue. It must not be called concurrently with any
// other method.
func (x *Queue) Reset() {
	x.head.Store(0)
	x.tail.Store(0)
}
