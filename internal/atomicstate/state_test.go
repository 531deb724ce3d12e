package atomicstate

import (
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/cpu"
)

type testState uint64

const (
	testStateA testState = iota
	testStateB
	testStateC
)

// Special case - we use 128 bytes for cache line size on all platforms.
func Test_sizeOfCacheLine(t *testing.T) {
	actual := unsafe.Sizeof(cpu.CacheLinePad{})
	if sizeOfCacheLine < actual {
		t.Errorf("sizeOfCacheLine (%d) is less than actual cache line size (%d)", sizeOfCacheLine, actual)
	}
	// must be neatly divisible
	if sizeOfCacheLine%actual != 0 {
		t.Errorf("sizeOfCacheLine (%d) is not a multiple of actual cache line size (%d)", sizeOfCacheLine, actual)
	}
}

func TestSizeOf(t *testing.T) {
	var s State[testState]
	assert.Equal(t, uintptr(sizeOfAtomicUint64), unsafe.Sizeof(atomic.Uint64{}))
	assert.Equal(t, uintptr(2*sizeOfCacheLine), unsafe.Sizeof(s))
	assert.Equal(t, uintptr(sizeOfCacheLine), unsafe.Offsetof(s.v))
}

func TestState_Transitions(t *testing.T) {
	t.Parallel()

	s := New(testStateA)
	require.Equal(t, testStateA, s.Load())

	assert.False(t, s.TryTransition(testStateB, testStateC))
	assert.True(t, s.TryTransition(testStateA, testStateB))
	assert.Equal(t, testStateB, s.Load())

	from, ok := s.TransitionAny([]testState{testStateA, testStateB}, testStateC)
	assert.True(t, ok)
	assert.Equal(t, testStateB, from)
	assert.True(t, s.Is(testStateA, testStateC))
	assert.False(t, s.Is(testStateA, testStateB))

	from, ok = s.TransitionAny([]testState{testStateA}, testStateB)
	assert.False(t, ok)
	assert.Equal(t, testStateC, from)

	s.Store(testStateA)
	assert.Equal(t, testStateA, s.Load())
}

// Exactly one of many concurrent callers must win a contended transition.
func TestState_TryTransition_singleWinner(t *testing.T) {
	t.Parallel()

	for range 50 {
		s := New(testStateA)
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s.TryTransition(testStateA, testStateB) {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), winners.Load())
	}
}
