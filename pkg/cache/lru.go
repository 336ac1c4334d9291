package cache

import (
	"container/list"
	"sync"

	"github.com/c360/semtree/errors"
)

type lruEntry[V any] struct {
	key   string
	value V
}

// lruCache is a thread-safe LRU cache. Entries beyond maxSize are evicted
// least-recently-used first and handed to the eviction callback after the
// lock is released.
type lruCache[V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
}

func newLRUCache[V any](maxSize int, opts *cacheOptions[V]) (*lruCache[V], error) {
	var metrics *cacheMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "newLRUCache", "metrics registration")
		}
	}

	return &lruCache[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		stats:   NewStatistics(),
		metrics: metrics,
		evictFn: opts.evictCallback,
	}, nil
}

// Get retrieves a value by key and marks it as recently used.
func (c *lruCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[key]
	if !exists {
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.misses.Inc()
		}
		var zero V
		return zero, false
	}

	c.order.MoveToFront(elem)
	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	return elem.Value.(*lruEntry[V]).value, true
}

// Set stores a value and marks it as recently used. Updating an existing key
// does not invoke the eviction callback for the replaced value.
func (c *lruCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	if elem, exists := c.items[key]; exists {
		elem.Value.(*lruEntry[V]).value = value
		c.order.MoveToFront(elem)
		c.recordSet()
		c.mu.Unlock()
		return false, nil
	}

	c.items[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value})

	var evicted []lruEntry[V]
	for len(c.items) > c.maxSize {
		back := c.order.Back()
		evicted = append(evicted, *c.removeUnsafe(back))
		c.stats.Eviction()
		if c.metrics != nil {
			c.metrics.evictions.Inc()
		}
	}
	c.recordSet()
	c.mu.Unlock()

	c.notify(evicted)
	return true, nil
}

// Delete removes an entry by key.
func (c *lruCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	elem, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		return false, nil
	}
	entry := c.removeUnsafe(elem)
	c.stats.Delete()
	if c.metrics != nil {
		c.metrics.deletes.Inc()
	}
	c.updateSize()
	c.mu.Unlock()

	c.notify([]lruEntry[V]{*entry})
	return true, nil
}

// Clear removes all entries from the cache.
func (c *lruCache[V]) Clear() error {
	c.mu.Lock()
	evicted := make([]lruEntry[V], 0, len(c.items))
	for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
		evicted = append(evicted, *elem.Value.(*lruEntry[V]))
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.updateSize()
	c.mu.Unlock()

	c.notify(evicted)
	return nil
}

// Size returns the current number of entries in the cache.
func (c *lruCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns all keys, most recently used first.
func (c *lruCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*lruEntry[V]).key)
	}
	return keys
}

// Stats returns cache statistics.
func (c *lruCache[V]) Stats() *Statistics {
	return c.stats
}

// Close empties the cache through the eviction callback.
func (c *lruCache[V]) Close() error {
	return c.Clear()
}

func (c *lruCache[V]) recordSet() {
	c.stats.Set()
	if c.metrics != nil {
		c.metrics.sets.Inc()
	}
	c.updateSize()
}

// updateSize must be called with mu held.
func (c *lruCache[V]) updateSize() {
	c.stats.UpdateSize(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.size.Set(float64(len(c.items)))
	}
}

// removeUnsafe must be called with mu held. It does not call the callback.
func (c *lruCache[V]) removeUnsafe(elem *list.Element) *lruEntry[V] {
	entry := elem.Value.(*lruEntry[V])
	delete(c.items, entry.key)
	c.order.Remove(elem)
	return entry
}

func (c *lruCache[V]) notify(entries []lruEntry[V]) {
	if c.evictFn == nil {
		return
	}
	for _, e := range entries {
		c.evictFn(e.key, e.value)
	}
}
