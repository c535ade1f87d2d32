package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueueRunsInOrder(t *testing.T) {
	q := NewTaskQueue(16)
	defer q.Close()

	var mu sync.Mutex
	var got []int
	for i := range 50 {
		i := i
		require.NoError(t, q.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, q.Wait(func() {}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestTaskQueueWaitObservesEarlierTasks(t *testing.T) {
	q := NewTaskQueue(16)
	defer q.Close()

	release := make(chan struct{})
	state := 0
	require.NoError(t, q.Submit(func() {
		<-release
		state = 1
	}))
	require.NoError(t, q.Submit(func() { state = 2 }))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Wait(func() {
			assert.Equal(t, 2, state)
		})
	}()

	close(release)
	<-done
}

func TestTaskQueueCloseDrainsQueued(t *testing.T) {
	q := NewTaskQueue(16)

	var mu sync.Mutex
	ran := 0
	for range 5 {
		require.NoError(t, q.Submit(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		}))
	}
	q.Close()

	mu.Lock()
	assert.Equal(t, 5, ran)
	mu.Unlock()

	assert.ErrorIs(t, q.Submit(func() {}), ErrQueueClosed)
	assert.ErrorIs(t, q.Wait(func() {}), ErrQueueClosed)
}
