package natsclient

import (
	"sync"
	"time"
)

const initialBackoff = time.Second

// breaker counts consecutive failures. After threshold of them it opens for
// the current backoff; each further round of threshold failures while open
// doubles the backoff up to max.
type breaker struct {
	threshold int32
	max       time.Duration

	mu          sync.Mutex
	total       int32
	streak      int32
	backoff     time.Duration
	lastFailure time.Time
	open        bool
}

func newBreaker(threshold int32, max time.Duration) *breaker {
	return &breaker{threshold: threshold, max: max, backoff: initialBackoff}
}

// fail records a failure. When it opens a closed circuit, tripped is true and
// wait is how long the circuit should stay open.
func (b *breaker) fail() (tripped bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	b.streak++
	b.lastFailure = time.Now()
	if b.streak < b.threshold {
		return false, 0
	}

	b.streak = 0
	wait = b.backoff
	b.backoff = min(b.backoff*2, b.max)
	if b.open {
		return false, 0
	}
	b.open = true
	return true, wait
}

// halfOpen lets the next attempt through. It reports whether the circuit was
// open.
func (b *breaker) halfOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	was := b.open
	b.open = false
	return was
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total, b.streak = 0, 0
	b.backoff = initialBackoff
	b.lastFailure = time.Time{}
	b.open = false
}

func (b *breaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *breaker) snapshot() (total int32, backoff time.Duration, last time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total, b.backoff, b.lastFailure
}
