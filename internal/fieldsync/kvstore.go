package fieldsync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// KVStore is the durable key-value medium underneath the mutation log and
// the TTL cache. Implementations persist whole values per key; callers own
// key namespacing.
type KVStore interface {
	GetItem(key string) ([]byte, bool, error)
	SetItem(key string, value []byte) error
	RemoveItem(key string) error
	Close() error
}

type MemoryKVStore struct {
	mu    sync.Mutex
	items map[string][]byte
}

func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{items: map[string][]byte{}}
}

func (s *MemoryKVStore) GetItem(key string) ([]byte, bool, error) {
	if s == nil || strings.TrimSpace(key) == "" {
		return nil, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *MemoryKVStore) SetItem(key string, value []byte) error {
	if s == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryKVStore) RemoveItem(key string) error {
	if s == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryKVStore) Close() error {
	return nil
}

type jsonFileKVState struct {
	Items map[string]json.RawMessage `json:"items"`
}

// JSONFileKVStore persists all keys as a single JSON snapshot written with
// a tmp-file rename. A missing snapshot starts empty; an unreadable or
// corrupt snapshot also starts empty, since a stale local store must never
// keep the app from starting.
type JSONFileKVStore struct {
	path   string
	logger Logger
	mu     sync.Mutex
	items  map[string]json.RawMessage
}

func NewJSONFileKVStore(path string, logger Logger) (*JSONFileKVStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &JSONFileKVStore{
		path:   path,
		logger: logger,
		items:  map[string]json.RawMessage{},
	}
	s.load()
	return s, nil
}

func (s *JSONFileKVStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logf("kvstore: unreadable snapshot at %s, starting empty: %v", s.path, err)
		}
		return
	}
	var snapshot jsonFileKVState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.logf("kvstore: corrupt snapshot at %s, starting empty: %v", s.path, err)
		return
	}
	if snapshot.Items != nil {
		s.items = snapshot.Items
	}
}

func (s *JSONFileKVStore) GetItem(key string) ([]byte, bool, error) {
	if s == nil || strings.TrimSpace(key) == "" {
		return nil, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *JSONFileKVStore) SetItem(key string, value []byte) error {
	if s == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.items[key]
	s.items[key] = append([]byte(nil), value...)
	if err := s.saveLocked(); err != nil {
		if existed {
			s.items[key] = previous
		} else {
			delete(s.items, key)
		}
		return err
	}
	return nil
}

func (s *JSONFileKVStore) RemoveItem(key string) error {
	if s == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.items[key]
	if !existed {
		return nil
	}
	delete(s.items, key)
	if err := s.saveLocked(); err != nil {
		s.items[key] = previous
		return err
	}
	return nil
}

func (s *JSONFileKVStore) Close() error {
	return nil
}

func (s *JSONFileKVStore) saveLocked() error {
	snapshot := jsonFileKVState{Items: s.items}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *JSONFileKVStore) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
