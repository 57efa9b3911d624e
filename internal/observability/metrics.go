package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for EqualisLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Ledger ---
	FeeRouted           *prometheus.CounterVec
	FeeFallbacks        *prometheus.CounterVec
	EncumbranceRejected *prometheus.CounterVec
	SolvencyViolations  *prometheus.CounterVec
	Liquidations        *prometheus.CounterVec
	YieldRolled         *prometheus.CounterVec
	PoolTrackedBalance  *prometheus.GaugeVec
	PoolTotalDeposits   *prometheus.GaugeVec
	PoolTotalDebt       *prometheus.GaugeVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg. A nil reg means the
// default registry; tests pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_core_events_rejected_total",
			Help: "Events rejected (dedup, gap, validation, insufficiency)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "equalis_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "equalis_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "equalis_core_sequence",
			Help: "Current global sequence number",
		}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "equalis_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "equalis_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		NATSPullLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "equalis_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "equalis_persist_batch_duration_seconds",
			Help:    "Time to commit one persistence batch",
			Buckets: prometheus.DefBuckets,
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "equalis_projection_update_duration_seconds",
			Help:    "Time to apply one output to a projection",
			Buckets: latencyBuckets,
		}, []string{"projection"}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "equalis_channel_size",
			Help: "Current buffered items per channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "equalis_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "equalis_publish_drops_total",
			Help: "Outbound events dropped because the publish channel was full",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "equalis_persist_backpressure_total",
			Help: "Times the core blocked on the persist channel",
		}),

		// Idempotency & ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_idempotency_duplicates_total",
			Help: "Duplicate events skipped",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "equalis_dedup_lru_size",
			Help: "Idempotency keys held in memory",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_event_sequence_gap_total",
			Help: "Source sequence gaps detected",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_event_out_of_order_total",
			Help: "Out-of-order source sequences rejected",
		}, []string{"partition"}),

		// Ledger
		FeeRouted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_fee_routed_total",
			Help: "Fee amount routed, in token units",
		}, []string{"pool", "source", "destination"}),

		FeeFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_fee_fallbacks_total",
			Help: "Fee shares rerouted because the intended index had no participants",
		}, []string{"pool", "from", "to"}),

		EncumbranceRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_encumbrance_rejected_total",
			Help: "Operations rejected for an insufficient resource",
		}, []string{"pool", "resource"}),

		SolvencyViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_solvency_violations_total",
			Help: "Operations rejected by the LTV gate",
		}, []string{"pool", "operation"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_liquidations_total",
			Help: "Positions liquidated",
		}, []string{"pool", "trigger"}),

		YieldRolled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_yield_rolled_total",
			Help: "Accrued yield converted to principal before a borrow, in token units",
		}, []string{"pool"}),

		PoolTrackedBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "equalis_pool_tracked_balance",
			Help: "Pool tracked balance, in token units",
		}, []string{"pool"}),

		PoolTotalDeposits: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "equalis_pool_total_deposits",
			Help: "Pool total deposits, in token units",
		}, []string{"pool"}),

		PoolTotalDebt: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "equalis_pool_total_debt",
			Help: "Pool outstanding debt, in token units",
		}, []string{"pool"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "equalis_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "equalis_persist_journals_written_total",
			Help: "Journal rows written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "equalis_persist_batch_size",
			Help:    "Outputs per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_persist_errors_total",
			Help: "Persistence errors by kind",
		}, []string{"kind"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "equalis_persist_retry_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "equalis_persist_last_sequence",
			Help: "Last sequence committed to the event log",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "equalis_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "equalis_snapshot_duration_seconds",
			Help:    "Time to build and write a snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "equalis_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "equalis_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "equalis_replay_events_total",
			Help: "Events replayed during recovery",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "equalis_replay_duration_seconds",
			Help: "Duration of the last recovery replay",
		}),

		// Query
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_query_requests_total",
			Help: "Query requests by endpoint",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "equalis_query_duration_seconds",
			Help:    "Query latency by endpoint",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_query_errors_total",
			Help: "Query errors by endpoint and code",
		}, []string{"endpoint", "code"}),
	}
}
