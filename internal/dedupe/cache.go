// ABOUTME: Thread-safe TTL cache for idempotency checks.
// ABOUTME: Backs metric replay dedupe and duplicate command-completion suppression.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache is a TTL-based, size-limited set of seen keys. Insertion order is
// kept in a linked list for O(1) eviction of the oldest key.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// CheckAndMark atomically checks whether key has been seen and marks it if
// not. Returns true if the key was already present (duplicate).
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key]
	if ok && time.Since(e.timestamp) < c.ttl {
		return true
	}

	now := time.Now()
	if e != nil {
		e.timestamp = now
		c.order.MoveToBack(e.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			key, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, key)
		}
	}

	c.seen[key] = &entry{timestamp: now, element: c.order.PushBack(key)}
	return false
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, e := range c.seen {
				if now.Sub(e.timestamp) > c.ttl {
					c.order.Remove(e.element)
					delete(c.seen, key)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
