package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	assert.Equal(t, 100, q.Len())

	for i := 0; i < 100; i++ {
		got, err := q.Pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}
}

func TestQueuePopWaits(t *testing.T) {
	q := New[string]()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push("late")
	}()

	got, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", got)
}

func TestQueuePopDeadline(t *testing.T) {
	q := New[string]()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueCloseDrains(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Push(2)
	q.Push(3)
	q.Close()
	q.Close()
	q.Push(4)

	for want := 1; want <= 3; want++ {
		got, err := q.Pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueueConcurrentConsumers(t *testing.T) {
	q := New[int]()
	const n = 500

	var (
		mu   sync.Mutex
		seen = make(map[int]bool)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := q.Pop(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < n; i++ {
		q.Push(i)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	}, 2*time.Second, 5*time.Millisecond)

	q.Close()
	wg.Wait()
}
