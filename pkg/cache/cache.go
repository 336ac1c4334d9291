package cache

import (
	"github.com/c360/semtree/errors"
)

// Cache represents a generic cache interface.
// The cache is parameterized by value type V for type safety.
type Cache[V any] interface {
	// Get retrieves a value by key. Returns the value and true if found, zero value and false otherwise.
	Get(key string) (V, bool)

	// Set stores a value with the given key. Returns true if a new entry was created, false if updated.
	Set(key string, value V) (bool, error)

	// Delete removes an entry by key. Returns true if the key existed and was deleted.
	Delete(key string) (bool, error)

	// Clear removes all entries from the cache, invoking the eviction callback for each.
	Clear() error

	// Size returns the current number of entries in the cache.
	Size() int

	// Keys returns all keys currently in the cache.
	Keys() []string

	// Stats returns cache statistics.
	Stats() *Statistics

	// Close releases the cache. Remaining entries are passed to the eviction callback.
	Close() error
}

// EvictCallback is called when an entry leaves the cache through eviction,
// deletion or Clear. It runs outside the cache lock.
type EvictCallback[V any] func(key string, value V)

// NewLRU creates a least-recently-used cache bounded to maxSize entries.
func NewLRU[V any](maxSize int, options ...Option[V]) (Cache[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU", "maxSize must be positive")
	}
	return newLRUCache(maxSize, applyOptions(options...))
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrDataInvalid, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
