// Package idempotency implements a bounded, time-boxed result cache keyed by
// caller-supplied idempotency keys.
//
// Entries are evicted least-recently-used first once capacity is reached, and
// independently by Sweep once older than the TTL. Get, Put and Sweep are the only
// mutation points. All are O(1) except Sweep, which is O(n).
//
// Implementation uses a hash map for key lookup combined with a doubly linked
// list for eviction ordering.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultCapacity      = 1000
	DefaultTTL           = 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// Record is a cached result together with the time it was stored.
type Record[V any] struct {
	Key      string
	Response V
	StoredAt time.Time
}

// node is a doubly linked list node holding one record.
type node[V any] struct {
	rec  Record[V]
	prev *node[V]
	next *node[V]
}

// Options configures a Cache.
type Options struct {
	Capacity int
	TTL      time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Cache is a thread-safe LRU cache with a TTL.
type Cache[V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	items    map[string]*node[V]
	head     *node[V] // most recently used (sentinel)
	tail     *node[V] // least recently used (sentinel)
}

// New creates a cache. Zero options fall back to the package defaults.
func New[V any](opts Options) *Cache[V] {
	if opts.Capacity < 1 {
		opts.Capacity = DefaultCapacity
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	head := &node[V]{}
	tail := &node[V]{}
	head.next = tail
	tail.prev = head

	return &Cache[V]{
		capacity: opts.Capacity,
		ttl:      opts.TTL,
		now:      opts.Now,
		items:    make(map[string]*node[V], opts.Capacity),
		head:     head,
		tail:     tail,
	}
}

// Get returns the cached response for key and promotes it to most recently
// used. An entry older than the TTL is a miss and is dropped.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	n, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if c.expired(n, c.now()) {
		c.remove(n)
		delete(c.items, key)
		return zero, false
	}

	c.moveToFront(n)
	return n.rec.Response, true
}

// Put stores response under key. If the cache is at capacity, the least
// recently used entry is evicted and its key returned.
func (c *Cache[V]) Put(key string, response V) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if n, ok := c.items[key]; ok {
		n.rec.Response = response
		n.rec.StoredAt = now
		c.moveToFront(n)
		return "", false
	}

	var evictedKey string
	evicted := false
	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.remove(victim)
		delete(c.items, victim.rec.Key)
		evictedKey = victim.rec.Key
		evicted = true
	}

	n := &node[V]{rec: Record[V]{Key: key, Response: response, StoredAt: now}}
	c.items[key] = n
	c.pushFront(n)

	return evictedKey, evicted
}

// Sweep removes every entry stored more than TTL before now, regardless of
// capacity pressure. Returns the number of entries removed.
func (c *Cache[V]) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for cur := c.tail.prev; cur != c.head; {
		prev := cur.prev
		if c.expired(cur, now) {
			c.remove(cur)
			delete(c.items, cur.rec.Key)
			removed++
		}
		cur = prev
	}
	return removed
}

// Len returns the current number of entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns all keys from most to least recently used.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for cur := c.head.next; cur != c.tail; cur = cur.next {
		keys = append(keys, cur.rec.Key)
	}
	return keys
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (c *Cache[V]) RunSweeper(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	logger = logger.With().Str("component", "idempotency").Logger()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(c.now()); n > 0 {
				logger.Debug().Int("removed", n).Int("remaining", c.Len()).Msg("idempotency sweep")
			}
		}
	}
}

// --- internal linked list operations (caller must hold lock) ---

func (c *Cache[V]) expired(n *node[V], now time.Time) bool {
	return now.Sub(n.rec.StoredAt) > c.ttl
}

// remove detaches a node from the list.
func (c *Cache[V]) remove(n *node[V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

// pushFront inserts a node right after head sentinel.
func (c *Cache[V]) pushFront(n *node[V]) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}

// moveToFront detaches and reinserts a node at front.
func (c *Cache[V]) moveToFront(n *node[V]) {
	c.remove(n)
	c.pushFront(n)
}
