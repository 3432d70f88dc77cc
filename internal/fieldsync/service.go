// Package fieldsync implements the offline storage and synchronization
// engine for the Harvestline field app: a durable mutation log for local
// writes made while disconnected, a TTL cache for read-mostly remote data,
// a connectivity monitor, and a sync coordinator that replays pending
// mutations against the backend API when the device comes back online.
package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("closed")
)

type Logger interface {
	Printf(format string, args ...any)
}

const (
	defaultMutationLogKey = "fieldsync.mutations"
	defaultCacheKey       = "fieldsync.cache"
)

type ServiceOptions struct {
	Store          KVStore
	Applier        RemoteApplier
	Probe          Probe
	MutationLogKey string
	CacheKey       string
	PollInterval   time.Duration
	OverrideFile   string
	Logger         Logger
	Metrics        *Metrics
}

// Service is the composition root handed to the app at startup. One
// instance per process; construct it explicitly and call Init once.
type Service struct {
	store       KVStore
	log         *MutationLog
	cache       *TTLCache
	monitor     *Monitor
	coordinator *Coordinator
	logger      Logger

	initOnce  sync.Once
	initErr   error
	closeOnce sync.Once
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if opts.Applier == nil {
		return nil, fmt.Errorf("%w: remote applier is required", ErrInvalidInput)
	}
	if opts.Probe == nil {
		return nil, fmt.Errorf("%w: connectivity probe is required", ErrInvalidInput)
	}
	logKey := opts.MutationLogKey
	if logKey == "" {
		logKey = defaultMutationLogKey
	}
	cacheKey := opts.CacheKey
	if cacheKey == "" {
		cacheKey = defaultCacheKey
	}

	mutationLog, err := OpenMutationLog(opts.Store, logKey, opts.Logger)
	if err != nil {
		return nil, err
	}
	mutationLog.metrics = opts.Metrics
	cache, err := OpenTTLCache(opts.Store, cacheKey, opts.Logger)
	if err != nil {
		return nil, err
	}
	cache.metrics = opts.Metrics
	monitor, err := NewMonitor(opts.Probe, MonitorOptions{
		PollInterval: opts.PollInterval,
		OverrideFile: opts.OverrideFile,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	coordinator := NewCoordinator(mutationLog, opts.Applier, monitor, CoordinatorOptions{
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})

	return &Service{
		store:       opts.Store,
		log:         mutationLog,
		cache:       cache,
		monitor:     monitor,
		coordinator: coordinator,
		logger:      opts.Logger,
	}, nil
}

// Init subscribes the coordinator to online transitions, then probes
// connectivity once and starts the monitor poll loop. The subscription
// comes first: the initial probe raises the Offline→Online edge, and a
// boot that is already online must replay whatever the previous session
// left pending.
func (s *Service) Init() error {
	s.initOnce.Do(func() {
		s.coordinator.Start()
		if err := s.monitor.Start(); err != nil {
			s.initErr = err
		}
	})
	return s.initErr
}

func (s *Service) Enqueue(entityType string, action Action, payload json.RawMessage) (string, error) {
	return s.log.Enqueue(entityType, action, payload)
}

func (s *Service) Mutations() []MutationRecord {
	return s.log.ListAll()
}

func (s *Service) Compact() error {
	return s.log.Compact()
}

func (s *Service) CachePut(key string, value json.RawMessage, ttl time.Duration) error {
	return s.cache.Put(key, value, ttl)
}

func (s *Service) CacheGet(key string) (json.RawMessage, bool) {
	return s.cache.Get(key)
}

func (s *Service) CacheRemove(key string) {
	s.cache.Remove(key)
}

// RetrySync requests a sync pass in the background. Returns false when a
// pass is already running and the request was coalesced.
func (s *Service) RetrySync() bool {
	return s.coordinator.TriggerSync()
}

// SyncNow runs a sync pass synchronously. Returns false when coalesced.
func (s *Service) SyncNow(ctx context.Context) bool {
	return s.coordinator.SyncNow(ctx)
}

func (s *Service) Status() SyncStatus {
	return s.coordinator.Status()
}

func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.coordinator.Close()
		s.monitor.Close()
		err = s.store.Close()
	})
	return err
}
