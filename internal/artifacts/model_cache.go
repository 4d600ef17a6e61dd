package artifacts

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// EvictionReason explains why a model cache entry was removed.
type EvictionReason string

// Eviction reasons passed to the cache's eviction callback.
const (
	EvictCapacity EvictionReason = "capacity"
	EvictExpired  EvictionReason = "expired"
	EvictReplaced EvictionReason = "replaced"
	EvictRemoved  EvictionReason = "removed"
)

// Model cache defaults.
const (
	DefaultCacheCapacity   = 32
	DefaultAbsoluteTTL     = 24 * time.Hour
	DefaultSlidingTTL      = 1 * time.Hour
	defaultJanitorInterval = 5 * time.Minute
)

// EvictionCallback is invoked (outside the cache lock) when an entry leaves
// the cache, typically to log the reason.
type EvictionCallback func(key string, reason EvictionReason)

// Loader deserializes artifact bytes into a usable model. The cache stores the
// result, so a loader must return an immutable or internally synchronized value.
type Loader func(handle string) (any, error)

// ModelCache is a process-local cache of deserialized models keyed by
// (handle, artifact last-modified). Entries expire on an absolute TTL from
// insertion and a sliding TTL from last access, and are evicted LRU-first at
// capacity. A replaced artifact changes the key's modtime component, so stale
// deserializations are never served; the superseded entry is evicted as
// Replaced on the next load.
type ModelCache struct {
	store    Store
	loader   Loader
	capacity int
	absTTL   time.Duration
	slideTTL time.Duration
	onEvict  EvictionCallback

	mu      sync.Mutex
	entries map[string]*list.Element // handle → element
	lru     *list.List               // front = most recently used

	janitorStop chan struct{}
	janitorDone chan struct{}
	closeOnce   sync.Once

	now func() time.Time // injectable clock for tests
}

type cacheEntry struct {
	handle     string
	modTime    time.Time
	model      any
	insertedAt time.Time
	lastAccess time.Time
}

// CacheOption configures a ModelCache.
type CacheOption func(*ModelCache)

// WithCapacity bounds the number of cached models.
func WithCapacity(n int) CacheOption {
	return func(c *ModelCache) { c.capacity = n }
}

// WithTTLs overrides the absolute and sliding TTLs.
func WithTTLs(absolute, sliding time.Duration) CacheOption {
	return func(c *ModelCache) {
		c.absTTL = absolute
		c.slideTTL = sliding
	}
}

// WithEvictionCallback registers a callback invoked on every eviction.
func WithEvictionCallback(cb EvictionCallback) CacheOption {
	return func(c *ModelCache) { c.onEvict = cb }
}

// WithClock injects a clock; tests use this to drive expiry.
func WithClock(now func() time.Time) CacheOption {
	return func(c *ModelCache) { c.now = now }
}

// NewModelCache builds the cache and starts its expiry janitor.
// Close must be called to stop the janitor.
func NewModelCache(store Store, loader Loader, opts ...CacheOption) *ModelCache {
	c := &ModelCache{
		store:       store,
		loader:      loader,
		capacity:    DefaultCacheCapacity,
		absTTL:      DefaultAbsoluteTTL,
		slideTTL:    DefaultSlidingTTL,
		entries:     make(map[string]*list.Element),
		lru:         list.New(),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	go c.janitor()

	return c
}

// Get returns the deserialized model for handle, loading and caching it on a
// miss. A cached entry whose artifact has been replaced on disk (newer
// modtime) is evicted as Replaced and reloaded.
func (c *ModelCache) Get(handle string) (any, error) {
	modTime, err := c.store.ModTime(handle)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()

	if elem, ok := c.entries[handle]; ok {
		entry := elem.Value.(*cacheEntry)

		switch {
		case !entry.modTime.Equal(modTime):
			c.removeLocked(elem, EvictReplaced)
		case c.expiredLocked(entry):
			c.removeLocked(elem, EvictExpired)
		default:
			entry.lastAccess = c.now()
			c.lru.MoveToFront(elem)
			model := entry.model
			c.mu.Unlock()

			return model, nil
		}
	}

	c.mu.Unlock()

	// Load outside the lock; concurrent misses for the same handle may load
	// twice, which is acceptable for a handful of model artifacts.
	model, err := c.loader(handle)
	if err != nil {
		return nil, fmt.Errorf("load model %q: %w", handle, err)
	}

	c.mu.Lock()

	if elem, ok := c.entries[handle]; ok {
		// Another goroutine filled the entry while we loaded.
		c.removeLocked(elem, EvictReplaced)
	}

	entry := &cacheEntry{
		handle:     handle,
		modTime:    modTime,
		model:      model,
		insertedAt: c.now(),
		lastAccess: c.now(),
	}
	c.entries[handle] = c.lru.PushFront(entry)

	for c.lru.Len() > c.capacity {
		c.removeLocked(c.lru.Back(), EvictCapacity)
	}

	c.mu.Unlock()

	return model, nil
}

// Invalidate removes a handle from the cache, if present.
func (c *ModelCache) Invalidate(handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[handle]; ok {
		c.removeLocked(elem, EvictRemoved)
	}
}

// Len returns the number of cached models.
func (c *ModelCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Len()
}

// Close stops the janitor goroutine.
func (c *ModelCache) Close() {
	c.closeOnce.Do(func() {
		close(c.janitorStop)
		<-c.janitorDone
	})
}

// expiredLocked reports whether the entry exceeded either TTL.
func (c *ModelCache) expiredLocked(e *cacheEntry) bool {
	now := c.now()

	return now.Sub(e.insertedAt) > c.absTTL || now.Sub(e.lastAccess) > c.slideTTL
}

// removeLocked detaches an element. The eviction callback runs on its own
// goroutine so callback code never executes under the cache lock.
func (c *ModelCache) removeLocked(elem *list.Element, reason EvictionReason) {
	entry := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	delete(c.entries, entry.handle)

	if c.onEvict != nil {
		go c.onEvict(entry.handle, reason)
	}
}

// janitor periodically sweeps expired entries.
func (c *ModelCache) janitor() {
	defer close(c.janitorDone)

	ticker := time.NewTicker(defaultJanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepExpired()
		case <-c.janitorStop:
			return
		}
	}
}

func (c *ModelCache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if c.expiredLocked(elem.Value.(*cacheEntry)) {
			c.removeLocked(elem, EvictExpired)
		}

		elem = prev
	}
}
