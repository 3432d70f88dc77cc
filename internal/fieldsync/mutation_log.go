package fieldsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func validAction(action Action) bool {
	switch action {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// MutationRecord is one local write awaiting remote application. Immutable
// after enqueue except for the Synced flag, which only the coordinator
// flips through MarkSynced.
type MutationRecord struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entityType"`
	Action     Action          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Synced     bool            `json:"synced"`
}

type mutationLogState struct {
	Records []MutationRecord `json:"records"`
}

// MutationLog is the append-only, durable list of pending local mutations.
// Replay order is global FIFO by enqueue order; dependent mutations
// (create before update) are enqueued in causal order by the same caller.
type MutationLog struct {
	store   KVStore
	key     string
	logger  Logger
	metrics *Metrics
	nowFunc func() time.Time

	mu           sync.Mutex
	records      []MutationRecord
	pending      int
	seq          uint64
	lastEnqueued time.Time
}

// OpenMutationLog loads the persisted log from the store. An unreadable or
// corrupt snapshot initializes an empty log with a diagnostic rather than
// failing: losing queued writes beats crash-looping the app.
func OpenMutationLog(store KVStore, key string, logger Logger) (*MutationLog, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultMutationLogKey
	}
	l := &MutationLog{
		store:   store,
		key:     key,
		logger:  logger,
		nowFunc: time.Now,
		records: []MutationRecord{},
	}
	l.load()
	l.reportPending()
	return l, nil
}

func (l *MutationLog) load() {
	data, ok, err := l.store.GetItem(l.key)
	if err != nil {
		l.logf("mutation log: unreadable state, starting empty: %v", err)
		return
	}
	if !ok {
		return
	}
	var snapshot mutationLogState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		l.logf("mutation log: corrupt state, starting empty: %v", err)
		return
	}
	l.records = snapshot.Records
	if l.records == nil {
		l.records = []MutationRecord{}
	}
	for _, record := range l.records {
		if !record.Synced {
			l.pending++
		}
		if record.EnqueuedAt.After(l.lastEnqueued) {
			l.lastEnqueued = record.EnqueuedAt
		}
	}
}

// Enqueue appends a mutation and persists it before returning. The id is
// derived from a non-decreasing timestamp, a per-process sequence, and a
// random suffix so rapid concurrent enqueues never collide.
func (l *MutationLog) Enqueue(entityType string, action Action, payload json.RawMessage) (string, error) {
	entityType = strings.TrimSpace(entityType)
	if entityType == "" {
		return "", fmt.Errorf("%w: entity type is required", ErrInvalidInput)
	}
	if !validAction(action) {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidInput, action)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc().UTC()
	if now.Before(l.lastEnqueued) {
		now = l.lastEnqueued
	}
	l.lastEnqueued = now
	l.seq++
	id := fmt.Sprintf("mut_%d_%d_%s", now.UnixNano(), l.seq, uuid.NewString()[:8])

	record := MutationRecord{
		ID:         id,
		EntityType: entityType,
		Action:     action,
		Payload:    append(json.RawMessage(nil), payload...),
		EnqueuedAt: now,
	}
	l.records = append(l.records, record)
	if err := l.saveLocked(); err != nil {
		l.records = l.records[:len(l.records)-1]
		return "", err
	}
	l.pending++
	l.reportPendingLocked()
	return id, nil
}

// ListAll returns every record, synced and unsynced, in insertion order.
func (l *MutationLog) ListAll() []MutationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]MutationRecord(nil), l.records...)
}

// ListUnsynced returns the pending records in insertion order. This is the
// replay-order contract the coordinator depends on.
func (l *MutationLog) ListUnsynced() []MutationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	unsynced := make([]MutationRecord, 0, l.pending)
	for _, record := range l.records {
		if !record.Synced {
			unsynced = append(unsynced, record)
		}
	}
	return unsynced
}

// MarkSynced flips a record's synced flag. Idempotent: unknown ids and
// already-synced records are no-ops, and the pending count decrements
// exactly once per false-to-true transition.
func (l *MutationLog) MarkSynced(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.records {
		if l.records[i].ID != id {
			continue
		}
		if l.records[i].Synced {
			return nil
		}
		l.records[i].Synced = true
		if err := l.saveLocked(); err != nil {
			l.records[i].Synced = false
			return err
		}
		l.pending--
		l.reportPendingLocked()
		return nil
	}
	return nil
}

// Compact removes synced records from storage. Unsynced records are never
// dropped regardless of age.
func (l *MutationLog) Compact() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := make([]MutationRecord, 0, l.pending)
	for _, record := range l.records {
		if !record.Synced {
			kept = append(kept, record)
		}
	}
	if len(kept) == len(l.records) {
		return nil
	}
	previous := l.records
	l.records = kept
	if err := l.saveLocked(); err != nil {
		l.records = previous
		return err
	}
	return nil
}

func (l *MutationLog) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

func (l *MutationLog) saveLocked() error {
	snapshot := mutationLogState{
		Records: append([]MutationRecord(nil), l.records...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return l.store.SetItem(l.key, data)
}

func (l *MutationLog) reportPending() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reportPendingLocked()
}

func (l *MutationLog) reportPendingLocked() {
	l.metrics.setPendingMutations(l.pending)
}

func (l *MutationLog) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}
