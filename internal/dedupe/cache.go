// ABOUTME: Thread-safe TTL cache that replays results for repeated request keys.
// ABOUTME: Used by the chat API so a retried request_id never runs the agents twice.

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// entry stores one call's outcome and its position in insertion order.
type entry[V any] struct {
	stored  time.Time
	element *list.Element
	ready   chan struct{} // closed once val and err are set
	pending bool
	val     V
	err     error
}

// Cache provides a thread-safe, TTL-based, size-limited cache keyed by
// request id. Concurrent calls with the same key share one execution.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := newCache[V](ttl, maxSize, time.Now)
	go c.cleanup()
	return c
}

func newCache[V any](ttl time.Duration, maxSize int, now func() time.Time) *Cache[V] {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache[V]{
		entries: make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

// Do returns the stored result for key when one is fresh, waits for an
// in-flight call with the same key, or runs fn. replayed reports whether the
// value came from an earlier call. Failed calls are not stored, so a retry
// with the same key runs fn again.
func (c *Cache[V]) Do(ctx context.Context, key string, fn func() (V, error)) (v V, replayed bool, err error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && (e.pending || c.fresh(e)) {
		c.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			var zero V
			return zero, false, ctx.Err()
		}
		if e.err != nil {
			var zero V
			return zero, false, e.err
		}
		return e.val, true, nil
	}

	e := &entry[V]{ready: make(chan struct{}), pending: true}
	c.insertLocked(key, e)
	c.mu.Unlock()

	v, err = fn()

	c.mu.Lock()
	e.val, e.err, e.pending = v, err, false
	e.stored = c.now()
	if err != nil && c.entries[key] == e {
		c.removeLocked(key, e)
	}
	close(e.ready)
	c.mu.Unlock()
	return v, false, err
}

// Get returns a fresh, completed result for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.pending || !c.fresh(e) {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Len is the number of entries, pending ones included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) fresh(e *entry[V]) bool {
	return c.now().Sub(e.stored) < c.ttl
}

// insertLocked adds e under key, replacing any previous entry and evicting
// the oldest when at capacity. Must be called with mu held.
func (c *Cache[V]) insertLocked(key string, e *entry[V]) {
	if old, ok := c.entries[key]; ok {
		c.removeLocked(key, old)
	}
	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	e.element = c.order.PushBack(key)
	c.entries[key] = e
}

func (c *Cache[V]) removeLocked(key string, e *entry[V]) {
	c.order.Remove(e.element)
	delete(c.entries, key)
}

// evictOldest removes the oldest completed entry. Pending entries are never
// evicted, so the cache may briefly exceed maxSize while every slot is in
// flight. Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	for el := c.order.Front(); el != nil; el = el.Next() {
		key, _ := el.Value.(string)
		if e, ok := c.entries[key]; ok && e.pending {
			continue
		}
		c.order.Remove(el)
		delete(c.entries, key)
		return
	}
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup() {
	interval := time.Minute
	if c.ttl > 0 && c.ttl < interval {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
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

// runCleanup removes all expired, completed entries from the cache.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if !e.pending && !c.fresh(e) {
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
