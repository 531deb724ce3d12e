package thread

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_nilFunction(t *testing.T) {
	assert.PanicsWithValue(t, `thread: nil function`, func() { New(nil) })
}

func TestThread_lifecycle(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	th := New(func() int {
		<-release
		return 42
	})

	assert.False(t, th.Running())
	assert.False(t, th.Join(0), `a suspended thread should not be joinable`)
	_, ok := th.Result()
	assert.False(t, ok)

	th.Resume()
	th.Resume()
	assert.True(t, th.Running())
	assert.False(t, th.Join(10*time.Millisecond))

	close(release)
	require.True(t, th.Join(5*time.Second))
	assert.False(t, th.Running())
	result, ok := th.Result()
	assert.True(t, ok)
	assert.Equal(t, 42, result)
	assert.True(t, th.Join(-1))
}

func TestThread_LockOSThread(t *testing.T) {
	t.Parallel()

	th := New(func() int { return 7 }).LockOSThread()
	th.Resume()
	require.True(t, th.Join(5*time.Second))
	result, ok := th.Result()
	assert.True(t, ok)
	assert.Equal(t, 7, result)

	assert.PanicsWithValue(t, `thread: already resumed`, func() { th.LockOSThread() })
}
