package fieldsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

type cacheEntry struct {
	Value     json.RawMessage `json:"value"`
	StoredAt  time.Time       `json:"storedAt"`
	TTLMillis int64           `json:"ttlMillis"`
}

type cacheState struct {
	Entries map[string]cacheEntry `json:"entries"`
}

// TTLCache is a keyed, time-boxed snapshot store for read-mostly remote
// data (weather, schemes, knowledge base). It is independent of the
// mutation log and of sync state. Expired entries are evicted lazily on
// read; there is no background sweeper.
//
// The cache is a performance layer, not a source of truth, so persistence
// failures degrade to cache misses instead of propagating.
type TTLCache struct {
	store   KVStore
	key     string
	logger  Logger
	metrics *Metrics
	nowFunc func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func OpenTTLCache(store KVStore, key string, logger Logger) (*TTLCache, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultCacheKey
	}
	c := &TTLCache{
		store:   store,
		key:     key,
		logger:  logger,
		nowFunc: time.Now,
		entries: map[string]cacheEntry{},
	}
	c.load()
	return c, nil
}

func (c *TTLCache) load() {
	data, ok, err := c.store.GetItem(c.key)
	if err != nil {
		c.logf("cache: unreadable state, starting empty: %v", err)
		return
	}
	if !ok {
		return
	}
	var snapshot cacheState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		c.logf("cache: corrupt state, starting empty: %v", err)
		return
	}
	if snapshot.Entries != nil {
		c.entries = snapshot.Entries
	}
}

// Put stores value under key, overwriting any previous entry. A failed
// persist keeps the in-memory entry and logs; the cache stays usable.
func (c *TTLCache) Put(key string, value json.RawMessage, ttl time.Duration) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: cache key is required", ErrInvalidInput)
	}
	// Validity is tracked in whole milliseconds; anything shorter would
	// truncate to zero and expire on the next read.
	if ttl < time.Millisecond {
		return fmt.Errorf("%w: ttl must be at least one millisecond", ErrInvalidInput)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{
		Value:     append(json.RawMessage(nil), value...),
		StoredAt:  c.nowFunc().UTC(),
		TTLMillis: ttl.Milliseconds(),
	}
	if err := c.saveLocked(); err != nil {
		c.logf("cache: persist failed for %q: %v", key, err)
	}
	return nil
}

// Get returns the value for key, or absent when the key was never stored
// or its TTL elapsed. An expired read evicts that key only.
func (c *TTLCache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		c.metrics.recordCacheMiss()
		return nil, false
	}
	if c.expiredLocked(entry) {
		delete(c.entries, key)
		if err := c.saveLocked(); err != nil {
			c.logf("cache: persist failed evicting %q: %v", key, err)
		}
		c.metrics.recordCacheMiss()
		return nil, false
	}
	c.metrics.recordCacheHit()
	return append(json.RawMessage(nil), entry.Value...), true
}

func (c *TTLCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	if err := c.saveLocked(); err != nil {
		c.logf("cache: persist failed removing %q: %v", key, err)
	}
}

// ClearExpired sweeps every expired key. Lazy eviction already guarantees
// staleness is never observed; this only reclaims storage.
func (c *TTLCache) ClearExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := false
	for key, entry := range c.entries {
		if c.expiredLocked(entry) {
			delete(c.entries, key)
			removed = true
		}
	}
	if !removed {
		return
	}
	if err := c.saveLocked(); err != nil {
		c.logf("cache: persist failed after sweep: %v", err)
	}
}

func (c *TTLCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]cacheEntry{}
	if err := c.store.RemoveItem(c.key); err != nil {
		c.logf("cache: persist failed clearing: %v", err)
	}
}

func (c *TTLCache) expiredLocked(entry cacheEntry) bool {
	age := c.nowFunc().UTC().Sub(entry.StoredAt)
	return age > time.Duration(entry.TTLMillis)*time.Millisecond
}

func (c *TTLCache) saveLocked() error {
	data, err := json.Marshal(cacheState{Entries: c.entries})
	if err != nil {
		return err
	}
	return c.store.SetItem(c.key, data)
}

func (c *TTLCache) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
