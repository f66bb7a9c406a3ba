package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRUCache bounds entries by count and age. The least recently used entry
// goes first when the cache is full; an expired entry is never returned.
type LRUCache[T any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*list.Element
	order   *list.List // front is most recent

	stats Stats
}

// Stats counts lookups and removals since creation.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expired   int64
}

type entry[T any] struct {
	key     string
	value   T
	expires time.Time
}

// NewLRUCache returns a cache holding at most maxSize entries for ttl each.
// maxSize <= 0 disables the size bound.
func NewLRUCache[T any](maxSize int, ttl time.Duration) *LRUCache[T] {
	return &LRUCache[T]{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// WithClock replaces the time source used for expiry.
func (c *LRUCache[T]) WithClock(now func() time.Time) *LRUCache[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now != nil {
		c.now = now
	}
	return c
}

// TTL returns the lifetime of an entry.
func (c *LRUCache[T]) TTL() time.Duration {
	return c.ttl
}

// Get returns the live value for key and marks it recently used.
func (c *LRUCache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *LRUCache[T]) getLocked(key string) (T, bool) {
	var zero T
	el, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	e := el.Value.(*entry[T])
	if c.expiredLocked(e) {
		c.dropLocked(el)
		c.stats.Expired++
		c.stats.Misses++
		return zero, false
	}
	c.order.MoveToFront(el)
	c.stats.Hits++
	return e.value, true
}

// Set stores value under key with a fresh TTL.
func (c *LRUCache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

func (c *LRUCache[T]) setLocked(key string, value T) {
	expires := c.now().Add(c.ttl)
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry[T])
		e.value, e.expires = value, expires
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&entry[T]{key: key, value: value, expires: expires})

	for c.maxSize > 0 && c.order.Len() > c.maxSize {
		c.dropLocked(c.order.Back())
		c.stats.Evictions++
	}
}

// GetOrLoad returns the cached value or stores the result of load. Errors
// are not cached. load runs under the cache lock and must not use the cache.
func (c *LRUCache[T]) GetOrLoad(key string, load func() (T, error)) (value T, hit bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.getLocked(key); ok {
		return v, true, nil
	}
	v, err := load()
	if err != nil {
		return v, false, err
	}
	c.setLocked(key, v)
	return v, false, nil
}

// Delete removes key if present.
func (c *LRUCache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.dropLocked(el)
	}
}

// Clear drops every entry. Stats are kept.
func (c *LRUCache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.order.Init()
}

// CleanExpired removes expired entries and reports how many were dropped.
// Entries are not ordered by age, so the whole list is walked.
func (c *LRUCache[T]) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if c.expiredLocked(el.Value.(*entry[T])) {
			c.dropLocked(el)
			removed++
		}
		el = next
	}
	c.stats.Expired += int64(removed)
	return removed
}

// Size returns the number of stored entries, expired ones included until
// they are cleaned.
func (c *LRUCache[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a copy of the counters.
func (c *LRUCache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *LRUCache[T]) expiredLocked(e *entry[T]) bool {
	return !c.now().Before(e.expires)
}

func (c *LRUCache[T]) dropLocked(el *list.Element) {
	delete(c.entries, el.Value.(*entry[T]).key)
	c.order.Remove(el)
}
