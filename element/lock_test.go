package element

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semtree/errors"
)

func TestWithOwner_KeepsExistingOwner(t *testing.T) {
	ctx := WithOwner(context.Background())
	assert.Same(t, ownerFrom(ctx), ownerFrom(WithOwner(ctx)))
	assert.NotSame(t, ownerFrom(ctx), ownerFrom(WithOwner(context.Background())))
	assert.Nil(t, ownerFrom(context.Background()))
}

func TestLock_WriteIsReentrant(t *testing.T) {
	l := NewLock(50 * time.Millisecond)
	ctx := WithOwner(context.Background())

	require.NoError(t, l.EnterWriteLock(ctx))
	require.NoError(t, l.EnterWriteLock(ctx))
	require.NoError(t, l.EnterReadLock(ctx))
	assert.True(t, l.IsWriteLockHeld(ctx))
	assert.True(t, l.IsReadLockHeld(ctx))

	l.ExitReadLock(ctx)
	l.ExitWriteLock(ctx)
	assert.True(t, l.IsWriteLockHeld(ctx))
	l.ExitWriteLock(ctx)
	assert.False(t, l.IsWriteLockHeld(ctx))

	// Fully released: another owner can write
	other := WithOwner(context.Background())
	require.NoError(t, l.EnterWriteLock(other))
	l.ExitWriteLock(other)
}

func TestLock_ReadIsReentrant(t *testing.T) {
	l := NewLock(50 * time.Millisecond)
	ctx := WithOwner(context.Background())

	require.NoError(t, l.EnterReadLock(ctx))
	require.NoError(t, l.EnterReadLock(ctx))
	l.ExitReadLock(ctx)
	assert.True(t, l.IsReadLockHeld(ctx))
	l.ExitReadLock(ctx)
	assert.False(t, l.IsReadLockHeld(ctx))
}

func TestLock_UpgradeFailsWithRecursion(t *testing.T) {
	l := NewLock(time.Second)
	ctx := WithOwner(context.Background())

	require.NoError(t, l.EnterReadLock(ctx))
	defer l.ExitReadLock(ctx)

	start := time.Now()
	err := l.EnterWriteLock(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLockRecursion)
	assert.True(t, errors.IsInvalid(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond, "upgrade must fail immediately")
}

func TestLock_TimeoutIsTransientLocked(t *testing.T) {
	l := NewLock(30 * time.Millisecond)
	holder := WithOwner(context.Background())
	require.NoError(t, l.EnterWriteLock(holder))
	defer l.ExitWriteLock(holder)

	other := WithOwner(context.Background())

	err := l.EnterReadLock(other)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLocked)
	assert.True(t, errors.IsTransient(err))

	err = l.EnterWriteLock(other)
	assert.ErrorIs(t, err, errors.ErrLocked)
}

func TestLock_ContextCancelled(t *testing.T) {
	l := NewLock(time.Minute)
	holder := WithOwner(context.Background())
	require.NoError(t, l.EnterWriteLock(holder))
	defer l.ExitWriteLock(holder)

	ctx, cancel := context.WithTimeout(WithOwner(context.Background()), 20*time.Millisecond)
	defer cancel()

	err := l.EnterWriteLock(ctx)
	assert.ErrorIs(t, err, errors.ErrLocked)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLock_WaitingWriterBlocksNewReaders(t *testing.T) {
	l := NewLock(time.Second)
	reader := WithOwner(context.Background())
	require.NoError(t, l.EnterReadLock(reader))

	writer := WithOwner(context.Background())
	acquired := make(chan error, 1)
	go func() {
		acquired <- l.EnterWriteLock(writer)
	}()

	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.waiting == 1
	}, time.Second, time.Millisecond)

	// A new reader queues behind the writer
	newcomer, cancel := context.WithTimeout(WithOwner(context.Background()), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.EnterReadLock(newcomer), errors.ErrLocked)

	// The existing reader may still reenter
	require.NoError(t, l.EnterReadLock(reader))
	l.ExitReadLock(reader)

	l.ExitReadLock(reader)
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("writer was not granted the lock")
	}
	l.ExitWriteLock(writer)
}

func TestLock_AnonymousReadersShare(t *testing.T) {
	l := NewLock(30 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, l.EnterReadLock(ctx))
	require.NoError(t, l.EnterReadLock(ctx))

	w := WithOwner(context.Background())
	assert.ErrorIs(t, l.EnterWriteLock(w), errors.ErrLocked)

	l.ExitReadLock(ctx)
	l.ExitReadLock(ctx)
	require.NoError(t, l.EnterWriteLock(w))
	l.ExitWriteLock(w)
}

func TestLock_MismatchedExitPanics(t *testing.T) {
	l := NewLock(0)
	assert.Equal(t, DefaultLockTimeout, l.Timeout())

	ctx := WithOwner(context.Background())
	assert.Panics(t, func() { l.ExitReadLock(ctx) })
	assert.Panics(t, func() { l.ExitWriteLock(ctx) })

	require.NoError(t, l.EnterWriteLock(ctx))
	assert.Panics(t, func() { l.ExitWriteLock(WithOwner(context.Background())) })
	l.ExitWriteLock(ctx)
}
