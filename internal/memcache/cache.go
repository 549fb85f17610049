package memcache

import "sync"

// Stats holds runtime statistics for a Cache.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithSizeFunc sets the weight function used by Put. Without it every
// entry weighs one byte, which turns maxBytes into an entry count.
func WithSizeFunc[K comparable, V any](fn func(K, V) int64) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.sizeFunc = fn
	}
}

// WithOnEvict registers a callback invoked for every entry dropped to make
// room for another one. It runs after the cache lock is released.
// Explicit Remove and Purge do not trigger it.
func WithOnEvict[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.onEvict = fn
	}
}

// Cache is a size-weighted LRU safe for concurrent use. The sum of entry
// weights never exceeds maxBytes once Put returns.
type Cache[K comparable, V any] struct {
	maxBytes int64
	sizeFunc func(K, V) int64
	onEvict  func(K, V)

	mu        sync.Mutex
	bytes     int64
	items     map[K]*node[K, V]
	order     recencyList[K, V]
	hits      int64
	misses    int64
	evictions int64
}

// New creates a Cache bounded by maxBytes. A non-positive maxBytes yields a
// cache that rejects every Put.
func New[K comparable, V any](maxBytes int64, opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		maxBytes: maxBytes,
		items:    make(map[K]*node[K, V]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.items[key]; ok {
		c.order.MoveToFront(n)
		c.hits++
		return n.value, true
	}
	c.misses++
	var zero V
	return zero, false
}

// Peek returns the value for key without touching recency or counters.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.items[key]; ok {
		return n.value, true
	}
	var zero V
	return zero, false
}

// Put stores value under key and evicts least recently used entries until
// the budget holds. It returns false when the value alone is heavier than
// the whole budget; any previous value for key is dropped in that case.
func (c *Cache[K, V]) Put(key K, value V) bool {
	size := int64(1)
	if c.sizeFunc != nil {
		size = c.sizeFunc(key, value)
	}

	c.mu.Lock()
	if size > c.maxBytes {
		if n, ok := c.items[key]; ok {
			c.unlink(n)
		}
		c.mu.Unlock()
		return false
	}

	if n, ok := c.items[key]; ok {
		c.bytes += size - n.size
		n.value = value
		n.size = size
		c.order.MoveToFront(n)
	} else {
		n := &node[K, V]{key: key, value: value, size: size}
		c.order.PushFront(n)
		c.items[key] = n
		c.bytes += size
	}

	var evicted []*node[K, V]
	for c.bytes > c.maxBytes {
		victim := c.order.Back()
		if victim == nil || victim.key == key {
			break
		}
		c.unlink(victim)
		c.evictions++
		evicted = append(evicted, victim)
	}
	onEvict := c.onEvict
	c.mu.Unlock()

	if onEvict != nil {
		for _, n := range evicted {
			onEvict(n.key, n.value)
		}
	}
	return true
}

// Remove drops key and reports whether it was present.
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if ok {
		c.unlink(n)
	}
	return ok
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Bytes returns the current total weight.
func (c *Cache[K, V]) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// MaxBytes returns the weight budget.
func (c *Cache[K, V]) MaxBytes() int64 {
	return c.maxBytes
}

// Keys returns cached keys from least to most recently used.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, c.order.Len())
	for n := c.order.Back(); n != nil; n = n.prev {
		keys = append(keys, n.key)
	}
	return keys
}

// Purge drops every entry. Counters are kept.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Clear()
	c.items = make(map[K]*node[K, V])
	c.bytes = 0
}

// Stats returns a snapshot of the cache statistics.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   c.order.Len(),
		Bytes:     c.bytes,
		MaxBytes:  c.maxBytes,
	}
}

// unlink removes n from the index. Caller must hold c.mu.
func (c *Cache[K, V]) unlink(n *node[K, V]) {
	c.order.Remove(n)
	delete(c.items, n.key)
	c.bytes -= n.size
}
