package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsTasksInSubmissionOrder(t *testing.T) {
	q := New(context.Background())
	defer q.Close(context.Background())

	const n = 25
	var (
		mu      sync.Mutex
		trace   []int
		running int32
		overlap int32
	)
	rng := rand.New(rand.NewSource(7))
	results := make([]<-chan error, 0, n)

	for i := 0; i < n; i++ {
		i := i
		delay := time.Duration(rng.Intn(4)) * time.Millisecond
		results = append(results, q.Enqueue("task", func(ctx context.Context) error {
			if atomic.AddInt32(&running, 1) > 1 {
				atomic.StoreInt32(&overlap, 1)
			}
			defer atomic.AddInt32(&running, -1)
			time.Sleep(delay)
			mu.Lock()
			trace = append(trace, i)
			mu.Unlock()
			if i%5 == 0 {
				return errors.New("boom")
			}
			return nil
		}))
	}

	for i, ch := range results {
		err := <-ch
		if i%5 == 0 {
			assert.Error(t, err, "task %d", i)
		} else {
			assert.NoError(t, err, "task %d", i)
		}
	}

	require.Len(t, trace, n)
	for i, v := range trace {
		assert.Equal(t, i, v)
	}
	assert.Zero(t, atomic.LoadInt32(&overlap), "tasks overlapped")
	assert.Equal(t, 0, q.Pending())
}

func TestQueueSurvivesPanics(t *testing.T) {
	q := New(context.Background())
	defer q.Close(context.Background())

	first := q.Enqueue("panics", func(context.Context) error { panic("kaboom") })
	ran := false
	second := q.Enqueue("after", func(context.Context) error {
		ran = true
		return nil
	})

	err := <-first
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	require.NoError(t, <-second)
	assert.True(t, ran)
	assert.Equal(t, 0, q.Pending())
}

func TestQueuePendingCountsQueuedAndRunning(t *testing.T) {
	q := New(context.Background())
	defer q.Close(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	first := q.Enqueue("blocker", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	second := q.Enqueue("next", func(context.Context) error { return nil })

	<-started
	assert.Equal(t, 2, q.Pending())
	assert.Equal(t, "blocker", q.Running())

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, 0, q.Pending())
	assert.Equal(t, "", q.Running())
}

func TestQueueObserverSeesEverySettle(t *testing.T) {
	var names []string
	var mu sync.Mutex
	q := New(context.Background(), WithObserver(func(name string, _ time.Duration, _ error) {
		mu.Lock()
		names = append(names, name)
		mu.Unlock()
	}))
	defer q.Close(context.Background())

	<-q.Enqueue("a", func(context.Context) error { return nil })
	<-q.Enqueue("b", func(context.Context) error { return errors.New("nope") })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestQueueCloseDrainsThenRejects(t *testing.T) {
	q := New(context.Background())

	var count int32
	var chans []<-chan error
	for i := 0; i < 3; i++ {
		chans = append(chans, q.Enqueue("work", func(context.Context) error {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&count, 1)
			return nil
		}))
	}

	require.NoError(t, q.Close(context.Background()))
	for _, ch := range chans {
		require.NoError(t, <-ch)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))

	err := <-q.Enqueue("late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueueCloseTimeoutCancelsRunningTask(t *testing.T) {
	q := New(context.Background())
	started := make(chan struct{})
	res := q.Enqueue("slow", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, <-res, context.Canceled)
}
