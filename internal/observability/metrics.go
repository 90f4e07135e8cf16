package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CTFLedger.
// Components accept a nil *Metrics and skip recording.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreTxRetries      *prometheus.CounterVec
	CoreLastBlock      prometheus.Gauge
	CoreDecodeSkips    *prometheus.CounterVec
	CoreRewinds        prometheus.Counter
	CoreRewindEvents   prometheus.Counter
	CoreCheckpoints    prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec
	IngestToApply  *prometheus.HistogramVec

	// --- Publishing ---
	PublishDrops  prometheus.Counter
	PublishErrors prometheus.Counter

	// --- Leader lock ---
	LockLost prometheus.Counter
	IsLeader prometheus.Gauge

	// --- Store ---
	StoreErrors *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics. Call it once per
// process.
func NewMetrics() *Metrics {
	applyBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0,
	}

	return &Metrics{
		CoreEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_core_events_applied_total",
			Help: "Events committed by the engine",
		}, []string{"event_type", "outcome"}),

		CoreEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_core_events_rejected_total",
			Help: "Events not applied (duplicate, out_of_order, invalid, fatal)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ctf_core_event_apply_duration_seconds",
			Help:    "Time to apply and commit one event",
			Buckets: applyBuckets,
		}, []string{"event_type"}),

		CoreTxRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_core_tx_retries_total",
			Help: "Event transactions retried after a transient store error",
		}, []string{"event_type"}),

		CoreLastBlock: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ctf_core_last_block",
			Help: "Block number of the last applied event",
		}),

		CoreDecodeSkips: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_core_decode_skips_total",
			Help: "Index sets skipped because they do not name a single outcome",
		}, []string{"event_type"}),

		CoreRewinds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ctf_core_rewinds_total",
			Help: "Reorg rewinds performed",
		}),

		CoreRewindEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ctf_core_rewind_replayed_events_total",
			Help: "Logged events re-applied during rewinds",
		}),

		CoreCheckpoints: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ctf_core_checkpoints_total",
			Help: "Entity checkpoints written",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/store)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ctf_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ctf_dedup_lru_evictions_total",
			Help: "Idempotency keys evicted from the LRU",
		}),

		IngestMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_ingest_messages_total",
			Help: "Inbound messages by result (applied, duplicate, invalid, control, fatal)",
		}, []string{"result"}),

		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ctf_ingest_to_apply_seconds",
			Help:    "Message receive to commit",
			Buckets: applyBuckets,
		}, []string{"event_type"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ctf_publish_drops_total",
			Help: "State notices dropped due to a full publish channel",
		}),

		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ctf_publish_errors_total",
			Help: "State notices that failed to publish",
		}),

		LockLost: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ctf_lock_lost_total",
			Help: "Times the writer lost its leader lock",
		}),

		IsLeader: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ctf_lock_is_leader",
			Help: "1 while this process holds the writer lock",
		}),

		StoreErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ctf_store_errors_total",
			Help: "Store errors by class (transient, fatal)",
		}, []string{"class"}),
	}
}
