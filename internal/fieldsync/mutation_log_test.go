package fieldsync

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestMutationLogEnqueuePreservesFIFOOrder(t *testing.T) {
	log, err := OpenMutationLog(NewMemoryKVStore(), "", nil)
	if err != nil {
		t.Fatalf("open mutation log failed: %v", err)
	}
	var ids []string
	for i := 0; i < 5; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
		id, err := log.Enqueue("activity", ActionCreate, payload)
		if err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
		ids = append(ids, id)
	}
	unsynced := log.ListUnsynced()
	if len(unsynced) != 5 {
		t.Fatalf("expected 5 unsynced records, got %d", len(unsynced))
	}
	for i, record := range unsynced {
		if record.ID != ids[i] {
			t.Fatalf("replay order broken at %d: expected %s, got %s", i, ids[i], record.ID)
		}
	}
}

func TestMutationLogIDsUniqueUnderRapidEnqueue(t *testing.T) {
	log, err := OpenMutationLog(NewMemoryKVStore(), "", nil)
	if err != nil {
		t.Fatalf("open mutation log failed: %v", err)
	}
	// A frozen clock forces the random suffix and sequence to carry
	// uniqueness on their own.
	frozen := time.Now()
	log.nowFunc = func() time.Time { return frozen }

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id, err := log.Enqueue("activity", ActionCreate, nil)
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestMutationLogEnqueuedAtNonDecreasing(t *testing.T) {
	log, err := OpenMutationLog(NewMemoryKVStore(), "", nil)
	if err != nil {
		t.Fatalf("open mutation log failed: %v", err)
	}
	base := time.Now()
	times := []time.Time{base, base.Add(-time.Hour), base.Add(time.Minute)}
	i := 0
	log.nowFunc = func() time.Time {
		now := times[i%len(times)]
		i++
		return now
	}
	for range times {
		if _, err := log.Enqueue("activity", ActionCreate, nil); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	records := log.ListAll()
	for j := 1; j < len(records); j++ {
		if records[j].EnqueuedAt.Before(records[j-1].EnqueuedAt) {
			t.Fatalf("enqueuedAt went backwards at %d: %s < %s", j, records[j].EnqueuedAt, records[j-1].EnqueuedAt)
		}
	}
}

func TestMutationLogMarkSyncedIdempotent(t *testing.T) {
	log, err := OpenMutationLog(NewMemoryKVStore(), "", nil)
	if err != nil {
		t.Fatalf("open mutation log failed: %v", err)
	}
	id, err := log.Enqueue("activity", ActionCreate, json.RawMessage(`{"title":"Irrigate field"}`))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := log.Enqueue("post", ActionCreate, nil); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if log.PendingCount() != 2 {
		t.Fatalf("expected pending 2, got %d", log.PendingCount())
	}
	if err := log.MarkSynced(id); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}
	if err := log.MarkSynced(id); err != nil {
		t.Fatalf("second mark synced failed: %v", err)
	}
	if log.PendingCount() != 1 {
		t.Fatalf("pending decremented more than once: got %d", log.PendingCount())
	}
	if err := log.MarkSynced("mut_unknown"); err != nil {
		t.Fatalf("mark synced of unknown id should be a no-op, got %v", err)
	}
	if log.PendingCount() != 1 {
		t.Fatalf("unknown id changed pending count: got %d", log.PendingCount())
	}
}

func TestMutationLogCompactKeepsUnsynced(t *testing.T) {
	log, err := OpenMutationLog(NewMemoryKVStore(), "", nil)
	if err != nil {
		t.Fatalf("open mutation log failed: %v", err)
	}
	first, _ := log.Enqueue("activity", ActionCreate, nil)
	second, _ := log.Enqueue("activity", ActionUpdate, nil)
	third, _ := log.Enqueue("post", ActionDelete, json.RawMessage(`{"id":"p1"}`))
	if err := log.MarkSynced(first); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}
	if err := log.MarkSynced(third); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}
	if err := log.Compact(); err != nil {
		t.Fatalf("compact failed: %v", err)
	}
	records := log.ListAll()
	if len(records) != 1 || records[0].ID != second {
		t.Fatalf("compact kept wrong records: %+v", records)
	}
	if records[0].Synced {
		t.Fatalf("compact must never drop or flip an unsynced record")
	}
}

func TestMutationLogPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewJSONFileKVStore(path, nil)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	log, err := OpenMutationLog(store, "", nil)
	if err != nil {
		t.Fatalf("open mutation log failed: %v", err)
	}
	id, err := log.Enqueue("disease_report", ActionCreate, json.RawMessage(`{"crop":"maize"}`))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	reopenedStore, err := NewJSONFileKVStore(path, nil)
	if err != nil {
		t.Fatalf("reopen file store failed: %v", err)
	}
	reopened, err := OpenMutationLog(reopenedStore, "", nil)
	if err != nil {
		t.Fatalf("reopen mutation log failed: %v", err)
	}
	unsynced := reopened.ListUnsynced()
	if len(unsynced) != 1 || unsynced[0].ID != id {
		t.Fatalf("expected record %s to survive reopen, got %+v", id, unsynced)
	}
	if reopened.PendingCount() != 1 {
		t.Fatalf("expected pending 1 after reopen, got %d", reopened.PendingCount())
	}
}

func TestMutationLogCorruptStateStartsEmpty(t *testing.T) {
	store := NewMemoryKVStore()
	if err := store.SetItem(defaultMutationLogKey, []byte("{not json")); err != nil {
		t.Fatalf("seed corrupt state failed: %v", err)
	}
	log, err := OpenMutationLog(store, "", nil)
	if err != nil {
		t.Fatalf("open over corrupt state should not fail, got %v", err)
	}
	if count := len(log.ListAll()); count != 0 {
		t.Fatalf("expected empty log over corrupt state, got %d records", count)
	}
	if _, err := log.Enqueue("activity", ActionCreate, nil); err != nil {
		t.Fatalf("log must stay writable after corrupt load: %v", err)
	}
}

func TestMutationLogEnqueueRejectsInvalidInput(t *testing.T) {
	log, err := OpenMutationLog(NewMemoryKVStore(), "", nil)
	if err != nil {
		t.Fatalf("open mutation log failed: %v", err)
	}
	if _, err := log.Enqueue("", ActionCreate, nil); err == nil {
		t.Fatalf("expected error for empty entity type")
	}
	if _, err := log.Enqueue("activity", Action("truncate"), nil); err == nil {
		t.Fatalf("expected error for unknown action")
	}
	if log.PendingCount() != 0 {
		t.Fatalf("rejected enqueues must not change pending count")
	}
}

func TestMutationLogEnqueueRollsBackOnWriteFailure(t *testing.T) {
	store := &flakyKVStore{inner: NewMemoryKVStore(), failWrites: true}
	log, err := OpenMutationLog(store, "", nil)
	if err != nil {
		t.Fatalf("open mutation log failed: %v", err)
	}
	if _, err := log.Enqueue("activity", ActionCreate, nil); err == nil {
		t.Fatalf("expected enqueue to fail when the medium is unwritable")
	}
	if log.PendingCount() != 0 || len(log.ListAll()) != 0 {
		t.Fatalf("failed enqueue must leave no trace, got pending=%d records=%d", log.PendingCount(), len(log.ListAll()))
	}

	store.failWrites = false
	if _, err := log.Enqueue("activity", ActionCreate, nil); err != nil {
		t.Fatalf("enqueue after recovery failed: %v", err)
	}
	if log.PendingCount() != 1 {
		t.Fatalf("expected pending 1 after recovery, got %d", log.PendingCount())
	}
}

type flakyKVStore struct {
	inner      *MemoryKVStore
	failReads  bool
	failWrites bool
}

func (s *flakyKVStore) GetItem(key string) ([]byte, bool, error) {
	if s.failReads {
		return nil, false, fmt.Errorf("injected read failure")
	}
	return s.inner.GetItem(key)
}

func (s *flakyKVStore) SetItem(key string, value []byte) error {
	if s.failWrites {
		return fmt.Errorf("injected write failure")
	}
	return s.inner.SetItem(key, value)
}

func (s *flakyKVStore) RemoveItem(key string) error {
	if s.failWrites {
		return fmt.Errorf("injected write failure")
	}
	return s.inner.RemoveItem(key)
}

func (s *flakyKVStore) Close() error {
	return nil
}
