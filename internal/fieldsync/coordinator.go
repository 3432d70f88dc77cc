package fieldsync

import (
	"context"
	"sync"
	"time"
)

// SyncStatus is the read model exposed to UI banners. It is derived on
// every call from the log's pending count and the monitor's last-known
// state, never stored.
type SyncStatus struct {
	IsOnline       bool       `json:"isOnline"`
	LastSyncAt     *time.Time `json:"lastSyncAt,omitempty"`
	PendingCount   int        `json:"pendingCount"`
	SyncInProgress bool       `json:"syncInProgress"`
}

type CoordinatorOptions struct {
	Logger  Logger
	Metrics *Metrics
}

// Coordinator owns the sync state machine {Idle, Syncing} and is the only
// component that marks records synced in bulk. One pass runs at a time;
// triggers arriving mid-pass are coalesced, not queued — whatever is
// still pending gets picked up by the next trigger.
type Coordinator struct {
	log     *MutationLog
	applier RemoteApplier
	monitor *Monitor
	logger  Logger
	metrics *Metrics
	nowFunc func() time.Time

	mu         sync.Mutex
	syncing    bool
	lastSyncAt time.Time

	unsubscribe func()
	closed      chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewCoordinator(log *MutationLog, applier RemoteApplier, monitor *Monitor, opts CoordinatorOptions) *Coordinator {
	return &Coordinator{
		log:     log,
		applier: applier,
		monitor: monitor,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		nowFunc: time.Now,
		closed:  make(chan struct{}),
	}
}

// Start subscribes to connectivity transitions. An offline-to-online edge
// with pending mutations triggers a pass.
func (c *Coordinator) Start() {
	if c.monitor == nil {
		return
	}
	c.unsubscribe = c.monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		if c.log.PendingCount() == 0 {
			return
		}
		c.TriggerSync()
	})
}

// TriggerSync requests a background pass. Returns false when a pass is
// already in flight and this trigger was coalesced, or when the
// coordinator is closed. The closed check, the pass reservation, and
// joining the WaitGroup happen under one lock so Close can never finish
// draining between them.
func (c *Coordinator) TriggerSync() bool {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return false
	default:
	}
	if c.syncing {
		c.mu.Unlock()
		return false
	}
	c.syncing = true
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.runPass(context.Background())
	}()
	return true
}

// SyncNow runs a pass synchronously. Returns false when coalesced.
func (c *Coordinator) SyncNow(ctx context.Context) bool {
	if !c.beginPass() {
		return false
	}
	c.runPass(ctx)
	return true
}

// runPass replays the snapshot of unsynced records in FIFO order. A
// failed record stays pending and the pass moves on: one bad record must
// not block unrelated ones. Records enqueued mid-pass are not part of the
// snapshot and wait for the next trigger.
func (c *Coordinator) runPass(ctx context.Context) {
	defer c.endPass()

	snapshot := c.log.ListUnsynced()
	allApplied := true
	for _, record := range snapshot {
		if err := c.applier.Apply(ctx, record.EntityType, record.Action, record.Payload); err != nil {
			allApplied = false
			c.metrics.recordApplyFailure(record.EntityType)
			c.logf("sync: apply failed for %s (%s %s): %v", record.ID, record.Action, record.EntityType, err)
			continue
		}
		if err := c.log.MarkSynced(record.ID); err != nil {
			allApplied = false
			c.logf("sync: mark synced failed for %s: %v", record.ID, err)
			continue
		}
		c.metrics.recordMutationSynced()
	}
	c.metrics.recordSyncPass(allApplied)
	if allApplied {
		c.mu.Lock()
		c.lastSyncAt = c.nowFunc().UTC()
		c.mu.Unlock()
	}
	if remaining := c.log.PendingCount(); remaining > 0 {
		c.logf("sync: pass done, %d mutation(s) still pending", remaining)
	}
}

func (c *Coordinator) beginPass() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.syncing {
		return false
	}
	c.syncing = true
	return true
}

func (c *Coordinator) endPass() {
	c.mu.Lock()
	c.syncing = false
	c.mu.Unlock()
}

func (c *Coordinator) Status() SyncStatus {
	c.mu.Lock()
	syncing := c.syncing
	lastSyncAt := c.lastSyncAt
	c.mu.Unlock()

	status := SyncStatus{
		IsOnline:       c.monitor != nil && c.monitor.CurrentState(),
		PendingCount:   c.log.PendingCount(),
		SyncInProgress: syncing,
	}
	if !lastSyncAt.IsZero() {
		at := lastSyncAt
		status.LastSyncAt = &at
	}
	return status
}

func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		c.mu.Unlock()
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
	})
	c.wg.Wait()
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
