package fieldsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's Prometheus collectors. All record methods
// are nil-safe so the library runs unchanged without a registry.
type Metrics struct {
	pendingMutations prometheus.Gauge
	online           prometheus.Gauge
	syncPasses       *prometheus.CounterVec
	mutationsSynced  prometheus.Counter
	applyFailures    *prometheus.CounterVec
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)
	return &Metrics{
		pendingMutations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_pending_mutations",
			Help: "Number of unsynced mutations in the durable log",
		}),
		online: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_online",
			Help: "Last-known connectivity state (1 online, 0 offline)",
		}),
		syncPasses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_sync_passes_total",
			Help: "Completed sync passes by result",
		}, []string{"result"}),
		mutationsSynced: factory.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_mutations_synced_total",
			Help: "Mutations confirmed applied remotely",
		}),
		applyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_apply_failures_total",
			Help: "Remote apply failures by entity type",
		}, []string{"entity_type"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_cache_hits_total",
			Help: "TTL cache hits",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_cache_misses_total",
			Help: "TTL cache misses, including expired reads",
		}),
	}
}

func (m *Metrics) setPendingMutations(count int) {
	if m == nil {
		return
	}
	m.pendingMutations.Set(float64(count))
}

func (m *Metrics) setOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}

func (m *Metrics) recordSyncPass(allApplied bool) {
	if m == nil {
		return
	}
	result := "complete"
	if !allApplied {
		result = "partial"
	}
	m.syncPasses.WithLabelValues(result).Inc()
}

func (m *Metrics) recordMutationSynced() {
	if m == nil {
		return
	}
	m.mutationsSynced.Inc()
}

func (m *Metrics) recordApplyFailure(entityType string) {
	if m == nil {
		return
	}
	m.applyFailures.WithLabelValues(entityType).Inc()
}

func (m *Metrics) recordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) recordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}
