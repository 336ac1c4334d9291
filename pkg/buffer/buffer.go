package buffer

// Buffer is a bounded FIFO whose writers never block. When full, the
// overflow policy decides which item is lost.
type Buffer[T any] interface {
	// Write adds an item, applying the overflow policy when full.
	Write(item T) error

	// Read retrieves and removes the oldest item.
	Read() (T, bool)

	// ReadBatch retrieves and removes up to max items, oldest first.
	ReadBatch(max int) []T

	// Ready is signalled after a Write; readers select on it and then drain
	// with Read or ReadBatch. It is closed when the buffer is closed.
	Ready() <-chan struct{}

	// Size returns the current number of items.
	Size() int

	// Capacity returns the maximum number of items.
	Capacity() int

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close rejects further writes and wakes readers.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the buffer lock, with an item lost to overflow.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a ring buffer with the given capacity.
// Capacity below one is raised to one.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) Buffer[T] {
	return newCircularBuffer(capacity, applyOptions(options...))
}
