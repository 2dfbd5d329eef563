// ============================================================================
// Result Cache
// Responsibility:
// 1. Map computation fingerprints to previously computed results
// 2. LRU eviction bounded by entry count and aggregate payload size
// 3. Refcount pinning: entries still referenced by tracked jobs are never
//    evicted
// 4. Optional write-through persistence so results survive restarts
// ============================================================================

package cache

import (
	"container/list"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Entry is one cached computation result.
type Entry struct {
	Fingerprint string          `json:"fingerprint"`
	Capability  string          `json:"capability"`
	Result      json.RawMessage `json:"result"`
	ComputedAt  int64           `json:"computed_at"` // Unix ms

	refcount int
	size     int64
}

// Config bounds the in-memory cache.
type Config struct {
	// MaxEntries caps the number of cached results. 0 means unlimited.
	MaxEntries int

	// MaxBytes caps the aggregate result payload size. 0 means unlimited.
	MaxBytes int64

	// TTL expires entries after this age. 0 means entries never expire
	// unless explicitly invalidated (the default policy).
	TTL time.Duration
}

// Cache is the shared result cache. It is the only resource mutated by
// more than one job concurrently, so every method is safe for concurrent
// use.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*list.Element // fingerprint -> element holding *Entry
	lru     *list.List               // front = most recently used
	bytes   int64
	store   *Store // nil when running without persistence
	logger  *slog.Logger
}

// New creates a cache with the given bounds. store may be nil for a
// purely in-memory cache; when set, cached results are written through and
// reloaded by WarmLoad on startup.
func New(cfg Config, store *Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		cfg:     cfg,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		store:   store,
		logger:  logger,
	}
}

// WarmLoad populates the cache from the persistent store. Entries loaded
// this way start unpinned. Returns the number of entries loaded.
func (c *Cache) WarmLoad() (int, error) {
	if c.store == nil {
		return 0, nil
	}
	loaded := 0
	err := c.store.Scan(func(e Entry) {
		c.mu.Lock()
		if _, exists := c.entries[e.Fingerprint]; !exists {
			c.insertLocked(&e)
			loaded++
		}
		c.mu.Unlock()
	})
	if err != nil {
		return loaded, err
	}
	c.logger.Info("result cache warmed", "entries", loaded)
	return loaded, nil
}

// Get returns the cached result for a fingerprint, refreshing its LRU
// position. Expired entries are dropped on access.
func (c *Cache) Get(fp string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, exists := c.entries[fp]
	if !exists {
		return nil, false
	}
	e := el.Value.(*Entry)
	if c.cfg.TTL > 0 && time.Since(time.UnixMilli(e.ComputedAt)) > c.cfg.TTL {
		c.removeLocked(el, true)
		return nil, false
	}
	c.lru.MoveToFront(el)
	return e.Result, true
}

// Put stores a computed result under its fingerprint and evicts LRU
// entries as needed to honor the configured bounds. Overwrites any
// existing entry for the same fingerprint.
func (c *Cache) Put(fp, capability string, result json.RawMessage) {
	e := &Entry{
		Fingerprint: fp,
		Capability:  capability,
		Result:      append(json.RawMessage(nil), result...),
		ComputedAt:  time.Now().UnixMilli(),
		size:        int64(len(result)),
	}

	c.mu.Lock()
	if el, exists := c.entries[fp]; exists {
		// Preserve the pin count across overwrites.
		e.refcount = el.Value.(*Entry).refcount
		c.removeLocked(el, false)
	}
	c.insertLocked(e)
	c.evictLocked()
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Put(*e); err != nil {
			c.logger.Warn("cache write-through failed", "fingerprint", fp, "error", err)
		}
	}
}

// Acquire pins an entry while a jobId references it (including jobs whose
// result is still being delivered over a channel). Pinned entries are
// skipped by eviction. Acquiring a missing fingerprint is a no-op.
func (c *Cache) Acquire(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, exists := c.entries[fp]; exists {
		el.Value.(*Entry).refcount++
	}
}

// Release undoes one Acquire.
func (c *Cache) Release(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, exists := c.entries[fp]; exists {
		e := el.Value.(*Entry)
		if e.refcount > 0 {
			e.refcount--
		}
	}
}

// Invalidate removes one fingerprint regardless of pin count.
func (c *Cache) Invalidate(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, exists := c.entries[fp]; exists {
		c.removeLocked(el, true)
	}
}

// InvalidateAll removes every entry computed by a capability. Used when a
// capability is upgraded and all its cached results become stale.
func (c *Cache) InvalidateAll(capability string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*Entry).Capability == capability {
			c.removeLocked(el, true)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Bytes returns the aggregate payload size of cached entries.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// insertLocked adds e at the front of the LRU. Caller holds c.mu.
func (c *Cache) insertLocked(e *Entry) {
	el := c.lru.PushFront(e)
	c.entries[e.Fingerprint] = el
	if e.size == 0 {
		e.size = int64(len(e.Result))
	}
	c.bytes += e.size
}

// removeLocked drops an entry from memory and, when deleteStored is set,
// from the persistent store as well. Caller holds c.mu.
func (c *Cache) removeLocked(el *list.Element, deleteStored bool) {
	e := el.Value.(*Entry)
	c.lru.Remove(el)
	delete(c.entries, e.Fingerprint)
	c.bytes -= e.size
	if deleteStored && c.store != nil {
		if err := c.store.Delete(e.Fingerprint); err != nil {
			c.logger.Warn("cache store delete failed", "fingerprint", e.Fingerprint, "error", err)
		}
	}
}

// evictLocked walks from the LRU tail removing unpinned entries until the
// configured bounds hold. Pinned entries are skipped; the cache may
// transiently exceed its bounds when everything over budget is pinned.
func (c *Cache) evictLocked() {
	overBudget := func() bool {
		if c.cfg.MaxEntries > 0 && len(c.entries) > c.cfg.MaxEntries {
			return true
		}
		if c.cfg.MaxBytes > 0 && c.bytes > c.cfg.MaxBytes {
			return true
		}
		return false
	}

	el := c.lru.Back()
	for overBudget() && el != nil {
		prev := el.Prev()
		if el.Value.(*Entry).refcount == 0 {
			c.removeLocked(el, true)
		}
		el = prev
	}
}
