// ABOUTME: TTL and size bounded seen-set for bot task ids
// ABOUTME: Protects the websocket adapter against task redelivery

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// entry pairs a mark time with its position in the insertion order.
type entry struct {
	markedAt time.Time
	element  *list.Element
}

// Cache remembers task ids for a TTL, bounded in size. Insertion order
// lives in a linked list so capacity eviction is O(1). Safe for
// concurrent use.
type Cache struct {
	clk clock.Clock

	mu      sync.RWMutex
	seen    map[string]*entry
	order   *list.List
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New builds a cache and starts its background expiry loop. A nil clk
// uses the wall clock.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	c := &Cache{
		clk:     clk,
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Check reports whether the id is marked and unexpired.
func (c *Cache) Check(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.seen[id]
	if !ok {
		return false
	}
	return c.clk.Since(e.markedAt) < c.ttl
}

// CheckAndMark atomically tests and marks an id. It returns true when
// the id was already seen, so a true result means "drop the task".
func (c *Cache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[id]; ok && c.clk.Since(e.markedAt) < c.ttl {
		return true
	}
	c.markLocked(id)
	return false
}

// Mark records an id, evicting the oldest entry at capacity.
func (c *Cache) Mark(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(id)
}

func (c *Cache) markLocked(id string) {
	now := c.clk.Now()

	if e, ok := c.seen[id]; ok {
		e.markedAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			old, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, old)
		}
	}

	c.seen[id] = &entry{
		markedAt: now,
		element:  c.order.PushBack(id),
	}
}

func (c *Cache) cleanupLoop() {
	ticker := c.clk.Ticker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire drops every entry older than the TTL.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	for id, e := range c.seen {
		if now.Sub(e.markedAt) > c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, id)
		}
	}
}

// Close stops the expiry loop. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
