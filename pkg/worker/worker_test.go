package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semtree/metric"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 200; i++ {
		require.True(t, q.Push(i))
	}
	assert.Equal(t, 200, q.Len())

	ctx := context.Background()
	for i := 0; i < 200; i++ {
		v, ok := q.Pop(ctx)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewQueue[string]()

	got := make(chan string, 1)
	go func() {
		v, ok := q.Pop(context.Background())
		if ok {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("pop returned before push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("hello")
	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake on push")
	}
}

func TestQueue_PopCancelled(t *testing.T) {
	q := NewQueue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := q.Pop(ctx)
	assert.False(t, ok)
}

func TestQueue_Close(t *testing.T) {
	q := NewQueue[int]()
	q.Push(1)
	q.Push(2)

	assert.Equal(t, 2, q.Close())
	assert.False(t, q.Push(3))
	assert.Equal(t, 0, q.Close())

	_, ok := q.Pop(context.Background())
	assert.False(t, ok)
}

func TestNewWorker_NilProcessor(t *testing.T) {
	_, err := NewWorker[int](nil)
	assert.ErrorIs(t, err, ErrNilProcessor)
}

func TestWorker_ProcessesInOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})

	w, err := NewWorker(func(_ context.Context, v int) error {
		mu.Lock()
		seen = append(seen, v)
		n := len(seen)
		mu.Unlock()
		if n == 100 {
			close(done)
		}
		return nil
	})
	require.NoError(t, err)

	// Items submitted before Start are kept
	for i := 0; i < 50; i++ {
		require.NoError(t, w.Submit(i))
	}
	require.NoError(t, w.Start(context.Background()))
	for i := 50; i < 100; i++ {
		require.NoError(t, w.Submit(i))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not process all items")
	}
	require.NoError(t, w.Stop(time.Second))

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		assert.Equal(t, i, v)
	}

	stats := w.Stats()
	assert.Equal(t, int64(100), stats.Submitted)
	assert.Equal(t, int64(100), stats.Processed)
}

func TestWorker_SingleConsumer(t *testing.T) {
	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	wg.Add(20)

	w, err := NewWorker(func(_ context.Context, _ int) error {
		defer wg.Done()
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(time.Second)

	for i := 0; i < 20; i++ {
		require.NoError(t, w.Submit(i))
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestWorker_StopDropsQueuedAndFinishesInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	w, err := NewWorker(func(ctx context.Context, v int) error {
		if v == 0 {
			close(started)
			<-release
			finished.Store(ctx.Err() == nil)
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, w.Submit(0))
	<-started
	for i := 1; i <= 5; i++ {
		require.NoError(t, w.Submit(i))
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, w.Stop(time.Second))

	assert.True(t, finished.Load(), "in-flight item must see an uncancelled context")
	stats := w.Stats()
	assert.Equal(t, int64(5), stats.Dropped)
	assert.Equal(t, int64(1), stats.Processed)

	assert.ErrorIs(t, w.Submit(9), ErrWorkerStopped)
	assert.Equal(t, int64(6), w.Stats().Dropped)
}

func TestWorker_StopTimeout(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	w, err := NewWorker(func(_ context.Context, _ int) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Submit(1))
	<-started

	assert.ErrorIs(t, w.Stop(10*time.Millisecond), ErrStopTimeout)
}

func TestWorker_Lifecycle(t *testing.T) {
	w, err := NewWorker(func(context.Context, int) error { return nil })
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), ErrWorkerAlreadyStarted)
	require.NoError(t, w.Stop(time.Second))
	require.NoError(t, w.Stop(time.Second))
	assert.ErrorIs(t, w.Start(context.Background()), ErrWorkerStopped)
}

func TestWorker_StartAfterStopWithoutStart(t *testing.T) {
	w, err := NewWorker(func(context.Context, int) error { return nil })
	require.NoError(t, err)

	require.NoError(t, w.Stop(time.Second))
	assert.ErrorIs(t, w.Start(context.Background()), ErrWorkerStopped)
	assert.ErrorIs(t, w.Submit(1), ErrWorkerStopped)
}

func TestWorker_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	done := make(chan struct{})

	w, err := NewWorker(func(_ context.Context, v int) error {
		if v == 2 {
			defer close(done)
			return errors.New("boom")
		}
		return nil
	}, WithMetricsRegistry[int](registry, "test_worker"))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Submit(i))
	}
	<-done
	require.NoError(t, w.Stop(time.Second))

	assert.Equal(t, 3.0, testutil.ToFloat64(w.metrics.submitted))
	assert.Equal(t, 3.0, testutil.ToFloat64(w.metrics.processed))
	assert.Equal(t, 1.0, testutil.ToFloat64(w.metrics.failed))
	assert.Equal(t, int64(1), w.Stats().Failed)

	// Same prefix twice is rejected
	_, err = NewWorker(func(context.Context, int) error { return nil },
		WithMetricsRegistry[int](registry, "test_worker"))
	assert.Error(t, err)
}
