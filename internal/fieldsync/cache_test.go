package fieldsync

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func newTestCache(t *testing.T, store KVStore) (*TTLCache, *fakeClock) {
	t.Helper()
	cache, err := OpenTTLCache(store, "", nil)
	if err != nil {
		t.Fatalf("open cache failed: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	cache.nowFunc = clock.Now
	return cache, clock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestCachePutThenGet(t *testing.T) {
	cache, _ := newTestCache(t, NewMemoryKVStore())
	value := json.RawMessage(`{"temp":28}`)
	if err := cache.Put("weather_today", value, time.Minute); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, ok := cache.Get("weather_today")
	if !ok {
		t.Fatalf("expected hit immediately after put")
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("expected %s, got %s", value, got)
	}
}

func TestCacheExpiryAndLazyEviction(t *testing.T) {
	cache, clock := newTestCache(t, NewMemoryKVStore())
	if err := cache.Put("weather_today", json.RawMessage(`{"temp":28}`), 60000*time.Millisecond); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := cache.Put("schemes", json.RawMessage(`["pm-kisan"]`), time.Hour); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	clock.Advance(61000 * time.Millisecond)
	if _, ok := cache.Get("weather_today"); ok {
		t.Fatalf("expected absence after ttl elapsed")
	}
	// Only the expired key is evicted; the untouched one stays.
	if _, ok := cache.Get("schemes"); !ok {
		t.Fatalf("unexpired entry must survive a neighbor's eviction")
	}
	if _, exists := cache.entries["weather_today"]; exists {
		t.Fatalf("expired read must evict the key")
	}
}

func TestCacheOverwriteAfterExpiry(t *testing.T) {
	cache, clock := newTestCache(t, NewMemoryKVStore())
	if err := cache.Put("advisory", json.RawMessage(`"spray"`), time.Minute); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, ok := cache.Get("advisory"); ok {
		t.Fatalf("expected expiry")
	}
	fresh := json.RawMessage(`"wait"`)
	if err := cache.Put("advisory", fresh, time.Minute); err != nil {
		t.Fatalf("second put failed: %v", err)
	}
	got, ok := cache.Get("advisory")
	if !ok || !bytes.Equal(got, fresh) {
		t.Fatalf("expected fresh value after re-put, got %s (ok=%v)", got, ok)
	}
}

func TestCacheClearExpiredSweepsOnlyStaleKeys(t *testing.T) {
	cache, clock := newTestCache(t, NewMemoryKVStore())
	_ = cache.Put("stale", json.RawMessage(`1`), time.Second)
	_ = cache.Put("fresh", json.RawMessage(`2`), time.Hour)
	clock.Advance(time.Minute)
	cache.ClearExpired()
	if _, exists := cache.entries["stale"]; exists {
		t.Fatalf("sweep should drop expired keys")
	}
	if _, ok := cache.Get("fresh"); !ok {
		t.Fatalf("sweep must keep unexpired keys")
	}
}

func TestCacheClear(t *testing.T) {
	cache, _ := newTestCache(t, NewMemoryKVStore())
	_ = cache.Put("a", json.RawMessage(`1`), time.Hour)
	_ = cache.Put("b", json.RawMessage(`2`), time.Hour)
	cache.Clear()
	if _, ok := cache.Get("a"); ok {
		t.Fatalf("expected empty cache after clear")
	}
	if _, ok := cache.Get("b"); ok {
		t.Fatalf("expected empty cache after clear")
	}
}

func TestCachePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewJSONFileKVStore(path, nil)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	cache, clock := newTestCache(t, store)
	if err := cache.Put("weather_today", json.RawMessage(`{"temp":28}`), time.Hour); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	reopenedStore, err := NewJSONFileKVStore(path, nil)
	if err != nil {
		t.Fatalf("reopen file store failed: %v", err)
	}
	reopened, err := OpenTTLCache(reopenedStore, "", nil)
	if err != nil {
		t.Fatalf("reopen cache failed: %v", err)
	}
	reopened.nowFunc = clock.Now
	if _, ok := reopened.Get("weather_today"); !ok {
		t.Fatalf("expected entry to survive reopen")
	}
}

func TestCacheFailsOpenOnPersistenceErrors(t *testing.T) {
	store := &flakyKVStore{inner: NewMemoryKVStore(), failReads: true, failWrites: true}
	cache, err := OpenTTLCache(store, "", nil)
	if err != nil {
		t.Fatalf("open over failing store should not fail, got %v", err)
	}
	if err := cache.Put("k", json.RawMessage(`1`), time.Hour); err != nil {
		t.Fatalf("put must fail open on persist errors, got %v", err)
	}
	if _, ok := cache.Get("k"); !ok {
		t.Fatalf("in-memory entry should still serve reads")
	}
}

func TestCacheRejectsInvalidInput(t *testing.T) {
	cache, _ := newTestCache(t, NewMemoryKVStore())
	if err := cache.Put("", json.RawMessage(`1`), time.Hour); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if err := cache.Put("k", json.RawMessage(`1`), 0); err == nil {
		t.Fatalf("expected error for non-positive ttl")
	}
	// Sub-millisecond values truncate to a zero validity window and must
	// be rejected, not stored already-expired.
	if err := cache.Put("k", json.RawMessage(`1`), 500*time.Microsecond); err == nil {
		t.Fatalf("expected error for sub-millisecond ttl")
	}
	if err := cache.Put("k", json.RawMessage(`1`), time.Millisecond); err != nil {
		t.Fatalf("one millisecond is a valid ttl, got %v", err)
	}
	if _, ok := cache.Get("k"); !ok {
		t.Fatalf("a just-stored one-millisecond entry must be readable")
	}
}
