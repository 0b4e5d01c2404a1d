// ABOUTME: Thread-safe TTL cache mapping idempotency keys to the result they produced.
// ABOUTME: Used by the task API so a retried submission returns the original task.

package dedupe

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// entry is a cached value and the time it was stored.
type entry struct {
	value  string
	stored time.Time
}

// Cache is a size-limited LRU of key to value where entries also expire
// after ttl. Expired entries are dropped lazily on lookup and by a
// background sweep.
type Cache struct {
	entries *lru.Cache[string, entry]
	ttl     time.Duration

	done      chan struct{}
	closeOnce sync.Once

	// resolveMu serializes Resolve so one key never runs fn twice.
	resolveMu sync.Mutex
}

// New creates a new cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	// lru.New only errors on a non-positive size, guarded above.
	entries, _ := lru.New[string, entry](maxSize)
	c := &Cache{
		entries: entries,
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the value stored for key if it has not expired.
func (c *Cache) Get(key string) (string, bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		return "", false
	}
	if time.Since(e.stored) >= c.ttl {
		c.entries.Remove(key)
		return "", false
	}
	return e.value, true
}

// Set records value for key, evicting the least recently used entry when
// the cache is full.
func (c *Cache) Set(key, value string) {
	c.entries.Add(key, entry{value: value, stored: time.Now()})
}

// Resolve returns the cached value for key, or runs fn and caches its
// result. existed reports whether the value came from the cache. A failed
// fn caches nothing.
func (c *Cache) Resolve(key string, fn func() (string, error)) (value string, existed bool, err error) {
	c.resolveMu.Lock()
	defer c.resolveMu.Unlock()

	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	v, err := fn()
	if err != nil {
		return "", false, err
	}
	c.Set(key, v)
	return v, false, nil
}

// Len returns the number of entries, expired ones included until cleanup.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
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

// runCleanup removes every expired entry without touching recency.
func (c *Cache) runCleanup() {
	now := time.Now()
	for _, key := range c.entries.Keys() {
		if e, ok := c.entries.Peek(key); ok && now.Sub(e.stored) >= c.ttl {
			c.entries.Remove(key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
