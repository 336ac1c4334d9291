package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semtree/errors"
)

func TestCircularBuffer_FIFO(t *testing.T) {
	b := NewCircularBuffer[int](4)
	for i := 1; i <= 3; i++ {
		require.NoError(t, b.Write(i))
	}
	assert.Equal(t, 3, b.Size())
	assert.Equal(t, 4, b.Capacity())

	v, ok := b.Read()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, []int{2, 3}, b.ReadBatch(10))

	_, ok = b.Read()
	assert.False(t, ok)
	assert.Nil(t, b.ReadBatch(10))
}

func TestCircularBuffer_DropOldest(t *testing.T) {
	var dropped []int
	b := NewCircularBuffer[int](3, WithDropCallback(func(v int) {
		dropped = append(dropped, v)
	}))

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Write(i))
	}
	assert.Equal(t, []int{1, 2}, dropped)
	assert.Equal(t, []int{3, 4, 5}, b.ReadBatch(10))
	assert.Equal(t, int64(2), b.Stats().Drops())
	assert.Equal(t, int64(3), b.Stats().MaxSize())
}

func TestCircularBuffer_DropNewest(t *testing.T) {
	var dropped []int
	b := NewCircularBuffer[int](2,
		WithOverflowPolicy[int](DropNewest),
		WithDropCallback(func(v int) { dropped = append(dropped, v) }),
	)

	for i := 1; i <= 4; i++ {
		require.NoError(t, b.Write(i))
	}
	assert.Equal(t, []int{3, 4}, dropped)
	assert.Equal(t, []int{1, 2}, b.ReadBatch(10))
	assert.Equal(t, 0.5, b.Stats().DropRate())
}

func TestCircularBuffer_ReadyAndClose(t *testing.T) {
	b := NewCircularBuffer[string](8)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range b.Ready() {
			for _, s := range b.ReadBatch(8) {
				mu.Lock()
				got = append(got, s)
				mu.Unlock()
			}
		}
	}()

	require.NoError(t, b.Write("a"))
	require.NoError(t, b.Write("b"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader did not stop after Close")
	}

	err := b.Write("c")
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestCircularBuffer_MinimumCapacity(t *testing.T) {
	b := NewCircularBuffer[int](0)
	assert.Equal(t, 1, b.Capacity())
	require.NoError(t, b.Write(1))
	require.NoError(t, b.Write(2))
	v, _ := b.Read()
	assert.Equal(t, 2, v)
}

func TestOverflowPolicy_String(t *testing.T) {
	assert.Equal(t, "DropOldest", DropOldest.String())
	assert.Equal(t, "DropNewest", DropNewest.String())
	assert.Equal(t, "Unknown", OverflowPolicy(9).String())
}
