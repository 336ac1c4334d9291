// Package cache provides a generic, thread-safe LRU cache with always-on
// statistics, optional Prometheus metrics and an eviction callback.
//
// The dispatcher keeps one transport client per callback URI in an LRU so
// the number of open clients stays bounded. Evicted clients are closed by the
// callback:
//
//	clients, err := cache.NewLRU[Client](128,
//	    cache.WithEvictionCallback(func(uri string, c Client) {
//	        _ = c.Close()
//	    }),
//	    cache.WithMetrics[Client](registry, "dispatcher_clients"),
//	)
//
// The eviction callback runs outside the cache lock, so it may block or call
// back into the cache. It fires for capacity evictions, Delete, Clear and
// Close, but not when Set replaces the value of an existing key.
package cache
