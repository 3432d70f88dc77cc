package fieldsync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type KVStoreFactory func(dsn string) (KVStore, error)

var kvStoreFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]KVStoreFactory
}{
	factories: map[string]KVStoreFactory{},
}

// RegisterKVStoreFactory lets deployments plug custom persistence schemes
// into BuildKVStoreFromDSN without touching the factory switch.
func RegisterKVStoreFactory(scheme string, factory KVStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	kvStoreFactoryRegistry.mu.Lock()
	defer kvStoreFactoryRegistry.mu.Unlock()
	kvStoreFactoryRegistry.factories[scheme] = factory
}

func lookupKVStoreFactory(scheme string) (KVStoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	kvStoreFactoryRegistry.mu.RLock()
	defer kvStoreFactoryRegistry.mu.RUnlock()
	factory, ok := kvStoreFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildKVStoreFromDSN selects the persistence medium by DSN scheme:
// a bare path or file:// for the device-local JSON store, memory:// for
// ephemeral runs, postgres:// for shared gateway boxes.
func BuildKVStoreFromDSN(dsn string, logger Logger) (KVStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: store dsn is required", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupKVStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileKVStore(path, logger)
	case "memory", "mem", "inmem":
		return NewMemoryKVStore(), nil
	case "postgres", "postgresql":
		return NewPostgresKVStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: kv store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported kv store scheme: %s", scheme)
	}
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
