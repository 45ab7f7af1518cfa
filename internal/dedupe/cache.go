// ABOUTME: Thread-safe TTL cache that remembers the first value stored under a key
// ABOUTME: Used by the gateway to acknowledge resent chat messages without re-appending them

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/pairroom/internal/clock"
)

// entry stores the value, its insertion time and its list element.
type entry[V any] struct {
	value   V
	stored  time.Time
	element *list.Element
}

// Cache is a TTL-based, size-limited map from key to the first value
// remembered under it. A doubly-linked list keeps insertion order so the
// oldest entry can be evicted in O(1).
type Cache[V any] struct {
	mu      sync.Mutex
	seen    map[string]*entry[V]
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine removes expired entries every cleanupInterval; pass 0 to rely
// on lazy expiry only.
func New[V any](ttl time.Duration, maxSize int, cleanupInterval time.Duration, clk clock.Clock) *Cache[V] {
	if clk == nil {
		clk = clock.Real()
	}
	c := &Cache[V]{
		seen:    make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
		done:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.cleanup(clk.NewTicker(cleanupInterval))
	}
	return c
}

// Get returns the live value stored under key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key]
	if !ok || c.expiredLocked(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Remember atomically looks key up and, if it is absent or expired, stores
// value under it. It returns the value now associated with key and whether
// it was already present.
func (c *Cache[V]) Remember(key string, value V) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok {
		if !c.expiredLocked(e) {
			return e.value, true
		}
		c.removeLocked(key, e)
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.seen[key] = &entry[V]{
		value:   value,
		stored:  c.clock.Now(),
		element: c.order.PushBack(key),
	}
	return value, false
}

// Forget drops key.
func (c *Cache[V]) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		c.removeLocked(key, e)
	}
}

// Len returns the number of stored entries, expired ones included until
// they are cleaned up.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache[V]) expiredLocked(e *entry[V]) bool {
	return c.clock.Now().Sub(e.stored) >= c.ttl
}

func (c *Cache[V]) removeLocked(key string, e *entry[V]) {
	c.order.Remove(e.element)
	delete(c.seen, key)
}

// evictOldestLocked removes the oldest entry. Must be called with mu held.
func (c *Cache[V]) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache[V]) cleanup(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.seen {
		if c.expiredLocked(e) {
			c.removeLocked(key, e)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
