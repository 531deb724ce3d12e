package slotpool

import (
	"encoding/binary"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// allocator is implemented by both variants.
type allocator interface {
	Allocate() uint32
	Insert(item []byte) uint32
	Remove(index uint32)
	NumIndexesUsed() int
	Slot(index uint32) []byte
	Cap() int
	ItemSize() int
	Reset()
}

var variants = [...]struct {
	name string
	new  func(buf []byte, itemSize, capacity int) (allocator, error)
}{
	{`Pool`, func(buf []byte, itemSize, capacity int) (allocator, error) { return New(buf, itemSize, capacity) }},
	{`Array`, func(buf []byte, itemSize, capacity int) (allocator, error) { return NewArray(buf, itemSize, capacity) }},
}

func newAllocator(t *testing.T, variant int, itemSize, capacity int) allocator {
	t.Helper()
	a, err := variants[variant].new(AlignedBuffer(itemSize*capacity), itemSize, capacity)
	require.NoError(t, err)
	return a
}

func forEachVariant(t *testing.T, fn func(t *testing.T, variant int)) {
	for i, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			t.Parallel()
			fn(t, i)
		})
	}
}

func TestAlignedBuffer(t *testing.T) {
	assert.Nil(t, AlignedBuffer(0))
	for _, size := range []int{1, 7, 8, 9, 4096} {
		b := AlignedBuffer(size)
		assert.Len(t, b, size)
		assert.True(t, Aligned(b))
	}
	assert.True(t, Aligned(nil))
	assert.False(t, Aligned(AlignedBuffer(16)[4:]))
}

func TestPack(t *testing.T) {
	tag, index := unpack(pack(0xab, 1234))
	assert.Equal(t, uint64(0xab), tag)
	assert.Equal(t, uint64(1234), index)

	// the tag wraps without disturbing the index
	tag, index = unpack(pack(0xff+1, noIndex))
	assert.Zero(t, tag)
	assert.Equal(t, uint64(noIndex), index)
}

func TestNew_errors(t *testing.T) {
	forEachVariant(t, func(t *testing.T, variant int) {
		for _, tc := range [...]struct {
			name     string
			buf      []byte
			itemSize int
			capacity int
			err      error
		}{
			{`zero item size`, AlignedBuffer(64), 0, 4, ErrItemSize},
			{`unaligned item size`, AlignedBuffer(64), 6, 4, ErrItemSize},
			{`zero capacity`, AlignedBuffer(64), 4, 0, ErrCapacity},
			{`negative capacity`, AlignedBuffer(64), 4, -1, ErrCapacity},
			{`misaligned`, AlignedBuffer(68)[4:], 4, 4, ErrMisaligned},
			{`too small`, AlignedBuffer(15), 4, 4, ErrBufferTooSmall},
			{`nil buffer`, nil, 4, 1, ErrBufferTooSmall},
		} {
			_, err := variants[variant].new(tc.buf, tc.itemSize, tc.capacity)
			assert.ErrorIs(t, err, tc.err, tc.name)
		}
	})
}

func TestAllocate_capacity(t *testing.T) {
	forEachVariant(t, func(t *testing.T, variant int) {
		const capacity = 5
		a := newAllocator(t, variant, 8, capacity)
		assert.Equal(t, capacity, a.Cap())
		assert.Equal(t, 8, a.ItemSize())
		for i := range capacity {
			assert.Equal(t, uint32(i), a.Allocate())
			assert.Equal(t, i+1, a.NumIndexesUsed())
		}
		for range 3 {
			assert.Equal(t, None, a.Allocate())
		}
		assert.Equal(t, capacity, a.NumIndexesUsed())
	})
}

func TestAllocate_reuse(t *testing.T) {
	forEachVariant(t, func(t *testing.T, variant int) {
		a := newAllocator(t, variant, 4, 4)
		i := a.Allocate()
		a.Remove(i)
		assert.Equal(t, i, a.Allocate())

		for a.Allocate() != None {
		}
		// free list is LIFO
		a.Remove(1)
		a.Remove(3)
		a.Remove(0)
		assert.Equal(t, uint32(0), a.Allocate())
		assert.Equal(t, uint32(3), a.Allocate())
		assert.Equal(t, uint32(1), a.Allocate())
		assert.Equal(t, None, a.Allocate())
		assert.Equal(t, 4, a.NumIndexesUsed())
	})
}

func TestInsert(t *testing.T) {
	forEachVariant(t, func(t *testing.T, variant int) {
		a := newAllocator(t, variant, 8, 2)
		var item [8]byte
		binary.LittleEndian.PutUint64(item[:], 0x0102030405060708)
		i := a.Insert(item[:])
		require.NotEqual(t, None, i)
		assert.Equal(t, item[:], a.Slot(i))
		assert.Len(t, a.Slot(i), 8)
		assert.Equal(t, 8, cap(a.Slot(i)))

		assert.NotEqual(t, None, a.Insert(item[:]))
		assert.Equal(t, None, a.Insert(item[:]))

		assert.PanicsWithValue(t, `slotpool: item size 4 != 8`, func() { a.Insert(item[:4]) })
	})
}

func TestRemove_outOfRange(t *testing.T) {
	forEachVariant(t, func(t *testing.T, variant int) {
		a := newAllocator(t, variant, 4, 2)
		assert.PanicsWithValue(t, `slotpool: index 2 out of range`, func() { a.Remove(2) })
		assert.PanicsWithValue(t, `slotpool: index 4294967295 out of range`, func() { a.Remove(None) })
	})
}

func TestReset(t *testing.T) {
	forEachVariant(t, func(t *testing.T, variant int) {
		a := newAllocator(t, variant, 4, 2)
		a.Allocate()
		a.Remove(a.Allocate())
		a.Reset()
		assert.Zero(t, a.NumIndexesUsed())
		assert.Equal(t, uint32(0), a.Allocate())
		assert.Equal(t, uint32(1), a.Allocate())
		assert.Equal(t, None, a.Allocate())
	})
}

func TestPool_NumIndexesUsed_clamped(t *testing.T) {
	p, err := New(AlignedBuffer(8), 4, 2)
	require.NoError(t, err)
	for range 10 {
		p.Allocate()
	}
	assert.Equal(t, 2, p.NumIndexesUsed())
}

// Exactly capacity allocations succeed, no matter how they interleave.
func TestAllocate_concurrentCapacity(t *testing.T) {
	forEachVariant(t, func(t *testing.T, variant int) {
		const (
			capacity   = 1000
			goroutines = 8
		)
		a := newAllocator(t, variant, 4, capacity)
		results := make([][]uint32, goroutines)
		var g errgroup.Group
		for i := range goroutines {
			g.Go(func() error {
				for {
					index := a.Allocate()
					if index == None {
						return nil
					}
					results[i] = append(results[i], index)
				}
			})
		}
		require.NoError(t, g.Wait())

		seen := make(map[uint32]struct{}, capacity)
		for _, indexes := range results {
			for _, index := range indexes {
				assert.Less(t, index, uint32(capacity))
				_, dup := seen[index]
				assert.False(t, dup, `index %d allocated twice`, index)
				seen[index] = struct{}{}
			}
		}
		assert.Len(t, seen, capacity)
	})
}

// No index is ever live in more than one goroutine at a time.
func TestAllocate_concurrentNoDoubleAllocation(t *testing.T) {
	forEachVariant(t, func(t *testing.T, variant int) {
		const (
			capacity   = 16
			goroutines = 8
			cycles     = 5000
			held       = 3
		)
		a := newAllocator(t, variant, 4, capacity)
		var owners [capacity]atomic.Int32
		var failures atomic.Int64
		var g errgroup.Group
		for i := range goroutines {
			g.Go(func() error {
				id := int32(i + 1)
				live := make([]uint32, 0, held)
				for range cycles {
					index := a.Allocate()
					if index != None {
						if index >= capacity || !owners[index].CompareAndSwap(0, id) {
							failures.Add(1)
						} else {
							live = append(live, index)
						}
					}
					if len(live) == held || (len(live) != 0 && index%2 == 0) {
						index = live[0]
						live = live[1:]
						owners[index].Store(0)
						a.Remove(index)
					}
				}
				for _, index := range live {
					owners[index].Store(0)
					a.Remove(index)
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Zero(t, failures.Load())

		// every slot is back on the free list
		seen := make(map[uint32]struct{})
		for {
			index := a.Allocate()
			if index == None {
				break
			}
			seen[index] = struct{}{}
		}
		assert.Len(t, seen, capacity)
	})
}
