package cache

import (
	"sync"
	"time"
)

// Stats exposes cumulative hit/miss accounting for one cache instance.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// HitRate returns hits over total lookups, or 0 when nothing was looked up.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache is a bounded memoization layer with TTL expiry. Eviction at
// capacity removes the least-recently-inserted key; reads do not refresh
// insertion order. Entries past maxAge are treated as misses and removed
// lazily on Get.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]entry[V]
	order   []K
	maxSize int
	maxAge  time.Duration
	hits    int64
	misses  int64
	now     func() time.Time
}

// New builds a cache holding at most maxSize entries for at most maxAge.
func New[K comparable, V any](maxSize int, maxAge time.Duration) *Cache[K, V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache[K, V]{
		entries: make(map[K]entry[V], maxSize),
		order:   make([]K, 0, maxSize),
		maxSize: maxSize,
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (c *Cache[K, V]) WithClock(now func() time.Time) *Cache[K, V] {
	c.now = now
	return c
}

// Get returns the cached value for key, counting a miss for absent or
// expired entries.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if c.maxAge > 0 && c.now().Sub(e.storedAt) > c.maxAge {
		c.remove(key)
		c.misses++
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key, evicting the oldest inserted entry when at
// capacity. Overwriting an existing key keeps its original insertion slot.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.entries[key] = entry[V]{value: value, storedAt: c.now()}
		return
	}
	if len(c.entries) >= c.maxSize && len(c.order) > 0 {
		c.remove(c.order[0])
	}
	c.entries[key] = entry[V]{value: value, storedAt: c.now()}
	c.order = append(c.order, key)
}

// Clear drops all entries and resets the hit/miss counters.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]entry[V], c.maxSize)
	c.order = c.order[:0]
	c.hits = 0
	c.misses = 0
}

// GetStats snapshots the cumulative counters.
func (c *Cache[K, V]) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}

func (c *Cache[K, V]) remove(key K) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
