package element

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/semtree/errors"
)

// DefaultLockTimeout bounds how long a node lock acquisition may wait.
const DefaultLockTimeout = 5 * time.Second

// Owner identifies the logical caller holding a lock. Locks are reentrant per
// owner, not per goroutine.
type Owner struct {
	// non-zero size keeps every Owner at a distinct address
	_ byte
}

type ownerKey struct{}

// WithOwner returns ctx carrying a lock owner. If ctx already has one it is
// returned unchanged, so nested operations share their caller's owner.
func WithOwner(ctx context.Context) context.Context {
	if ownerFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, ownerKey{}, &Owner{})
}

func ownerFrom(ctx context.Context) *Owner {
	o, _ := ctx.Value(ownerKey{}).(*Owner)
	return o
}

// Lock is a reentrant read/write lock with a bounded wait. Reentrancy is keyed
// by the Owner in the context; callers without an owner never reenter.
// Writers that are waiting block new readers that do not already hold the lock.
type Lock struct {
	mu      sync.Mutex
	timeout atomic.Int64

	writer     *Owner
	writeDepth int
	readers    map[*Owner]int
	anonRead   int
	waiting    int
	changed    chan struct{}
}

// NewLock creates a lock with the given timeout. A non-positive timeout means
// DefaultLockTimeout.
func NewLock(timeout time.Duration) *Lock {
	l := &Lock{}
	l.SetTimeout(timeout)
	return l
}

// SetTimeout changes the acquisition timeout.
func (l *Lock) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	l.timeout.Store(int64(timeout))
}

// Timeout returns the acquisition timeout.
func (l *Lock) Timeout() time.Duration {
	return time.Duration(l.timeout.Load())
}

// EnterReadLock acquires the lock for reading.
func (l *Lock) EnterReadLock(ctx context.Context) error {
	owner := ownerFrom(ctx)
	return l.acquire(ctx, "EnterReadLock", func() (bool, error) {
		return l.tryRead(owner), nil
	})
}

// EnterWriteLock acquires the lock for writing. A caller holding only the
// read lock gets ErrLockRecursion instead of deadlocking on itself.
func (l *Lock) EnterWriteLock(ctx context.Context) error {
	owner := ownerFrom(ctx)

	l.mu.Lock()
	ok, err := l.tryWrite(owner)
	if ok || err != nil {
		l.mu.Unlock()
		return err
	}
	l.waiting++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.waiting--
		l.broadcast()
		l.mu.Unlock()
	}()

	return l.acquire(ctx, "EnterWriteLock", func() (bool, error) {
		return l.tryWrite(owner)
	})
}

// ExitReadLock releases one read acquisition.
func (l *Lock) ExitReadLock(ctx context.Context) {
	owner := ownerFrom(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	if owner == nil {
		if l.anonRead == 0 {
			panic("element: ExitReadLock without matching EnterReadLock")
		}
		l.anonRead--
	} else {
		n := l.readers[owner]
		if n == 0 {
			panic("element: ExitReadLock without matching EnterReadLock")
		}
		if n == 1 {
			delete(l.readers, owner)
		} else {
			l.readers[owner] = n - 1
		}
	}
	l.broadcast()
}

// ExitWriteLock releases one write acquisition.
func (l *Lock) ExitWriteLock(ctx context.Context) {
	owner := ownerFrom(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writeDepth == 0 || l.writer != owner {
		panic("element: ExitWriteLock without matching EnterWriteLock")
	}
	l.writeDepth--
	if l.writeDepth == 0 {
		l.writer = nil
	}
	l.broadcast()
}

// IsWriteLockHeld reports whether the owner in ctx holds the write lock.
func (l *Lock) IsWriteLockHeld(ctx context.Context) bool {
	owner := ownerFrom(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	return owner != nil && l.writeDepth > 0 && l.writer == owner
}

// IsReadLockHeld reports whether the owner in ctx holds the read lock.
func (l *Lock) IsReadLockHeld(ctx context.Context) bool {
	owner := ownerFrom(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	return owner != nil && l.readers[owner] > 0
}

func (l *Lock) acquire(ctx context.Context, op string, try func() (bool, error)) error {
	timeout := l.Timeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		l.mu.Lock()
		ok, err := try()
		if ok || err != nil {
			l.mu.Unlock()
			return err
		}
		wait := l.waitChan()
		l.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return errors.WrapTransient(errors.ErrLocked, "Lock", op,
				fmt.Sprintf("acquire within %s", timeout))
		case <-ctx.Done():
			return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrLocked, ctx.Err()), "Lock", op, "acquire")
		}
	}
}

// tryRead must be called with mu held.
func (l *Lock) tryRead(owner *Owner) bool {
	if owner != nil {
		if l.readers[owner] > 0 || (l.writeDepth > 0 && l.writer == owner) {
			l.addReader(owner)
			return true
		}
	}
	if l.writeDepth > 0 || l.waiting > 0 {
		return false
	}
	l.addReader(owner)
	return true
}

func (l *Lock) addReader(owner *Owner) {
	if owner == nil {
		l.anonRead++
		return
	}
	if l.readers == nil {
		l.readers = make(map[*Owner]int)
	}
	l.readers[owner]++
}

// tryWrite must be called with mu held.
func (l *Lock) tryWrite(owner *Owner) (bool, error) {
	if l.writeDepth > 0 {
		if owner != nil && l.writer == owner {
			l.writeDepth++
			return true, nil
		}
		if owner != nil && l.readers[owner] > 0 {
			return false, errors.WrapInvalid(errors.ErrLockRecursion, "Lock", "EnterWriteLock", "upgrade read lock")
		}
		return false, nil
	}
	if owner != nil && l.readers[owner] > 0 {
		return false, errors.WrapInvalid(errors.ErrLockRecursion, "Lock", "EnterWriteLock", "upgrade read lock")
	}
	if len(l.readers) > 0 || l.anonRead > 0 {
		return false, nil
	}
	l.writer = owner
	l.writeDepth = 1
	return true, nil
}

// waitChan must be called with mu held.
func (l *Lock) waitChan() <-chan struct{} {
	if l.changed == nil {
		l.changed = make(chan struct{})
	}
	return l.changed
}

// broadcast must be called with mu held.
func (l *Lock) broadcast() {
	if l.changed != nil {
		close(l.changed)
		l.changed = nil
	}
}
