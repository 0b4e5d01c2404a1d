// ABOUTME: Thread-safe sliding-window counter keyed by string (e.g. remote address).
// ABOUTME: Used by the message channel to throttle new connections per origin.

package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Window allows at most limit hits per key within a sliding period. Keys are
// held in an LRU so the table is bounded at maxKeys; the least recently hit
// key is evicted first.
type Window struct {
	mu        sync.Mutex
	hits      *lru.Cache[string, []time.Time]
	limit     int
	period    time.Duration
	now       func() time.Time
	done      chan struct{}
	closeOnce sync.Once
}

// NewWindow creates a sliding window allowing limit hits per period for each
// key. A background goroutine periodically drops keys with no recent hits.
func NewWindow(limit int, period time.Duration, maxKeys int) *Window {
	if maxKeys <= 0 {
		maxKeys = 1
	}
	hits, _ := lru.New[string, []time.Time](maxKeys)
	w := &Window{
		hits:   hits,
		limit:  limit,
		period: period,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go w.cleanup()
	return w
}

// Allow records a hit for key and reports whether it is within the limit.
// Rejected hits are not recorded, so a blocked key recovers once its oldest
// accepted hit leaves the window.
func (w *Window) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	hits, _ := w.hits.Get(key)
	hits = prune(hits, now.Add(-w.period))
	if len(hits) >= w.limit {
		w.hits.Add(key, hits)
		return false
	}
	w.hits.Add(key, append(hits, now))
	return true
}

// Count returns the number of hits for key inside the current window.
func (w *Window) Count(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	hits, ok := w.hits.Peek(key)
	if !ok {
		return 0
	}
	return len(prune(hits, w.now().Add(-w.period)))
}

// prune drops timestamps at or before cutoff. hits is ordered oldest first.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}

func (w *Window) cleanup() {
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runCleanup()
		case <-w.done:
			return
		}
	}
}

// runCleanup removes all keys whose hits have all left the window.
func (w *Window) runCleanup() {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.period)
	for _, key := range w.hits.Keys() {
		hits, ok := w.hits.Peek(key)
		if !ok {
			continue
		}
		if len(prune(hits, cutoff)) == 0 {
			w.hits.Remove(key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (w *Window) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}
