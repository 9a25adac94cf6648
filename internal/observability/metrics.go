package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ledger service.
type Metrics struct {
	// --- Engine ---
	OpsApplied   *prometheus.CounterVec
	OpsRejected  *prometheus.CounterVec
	OpDuration   *prometheus.HistogramVec
	CoreJournals *prometheus.CounterVec
	CoreSequence prometheus.Gauge

	// --- Book state ---
	OpenPositions      prometheus.Gauge
	OrderBookSize      prometheus.Gauge
	PendingMatches     prometheus.Gauge
	PendingWithdrawals prometheus.Gauge

	// --- Trigger protocol ---
	PositionsClosed   *prometheus.CounterVec
	AttestationErrors *prometheus.CounterVec
	MatchesSettled    *prometheus.CounterVec
	FundingRounds     prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Ingestion ---
	CommandsIngested *prometheus.CounterVec
	EventsPublished  prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	StalePriceUpdates     prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionWatermark prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the service and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Engine
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cperp_core_ops_applied_total",
			Help: "Ledger operations applied",
		}, []string{"op"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cperp_core_ops_rejected_total",
			Help: "Ledger operations rejected before mutation",
		}, []string{"op", "reason"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cperp_core_op_duration_seconds",
			Help:    "Time to apply one ledger operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cperp_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cperp_core_sequence",
			Help: "Current ledger sequence number",
		}),

		// Book state
		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "cperp_open_positions",
			Help: "Positions currently open",
		}),

		OrderBookSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "cperp_orderbook_size",
			Help: "Orders in the book, filled included",
		}),

		PendingMatches: f.NewGauge(prometheus.GaugeOpts{
			Name: "cperp_pending_matches",
			Help: "Match proposals awaiting an oracle attestation",
		}),

		PendingWithdrawals: f.NewGauge(prometheus.GaugeOpts{
			Name: "cperp_pending_withdrawals",
			Help: "Withdrawals awaiting an oracle attestation",
		}),

		// Trigger protocol
		PositionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cperp_positions_closed_total",
			Help: "Positions closed by terminal status",
		}, []string{"status"}),

		AttestationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cperp_attestation_rejected_total",
			Help: "Attestations rejected (invalid, stale, false)",
		}, []string{"kind", "reason"}),

		MatchesSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cperp_matches_settled_total",
			Help: "Match proposals settled by outcome",
		}, []string{"outcome"}),

		FundingRounds: f.NewCounter(prometheus.CounterOpts{
			Name: "cperp_funding_rounds_total",
			Help: "Funding rounds applied",
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cperp_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cperp_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cperp_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cperp_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "cperp_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		// Ingestion
		CommandsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cperp_commands_ingested_total",
			Help: "NATS commands consumed by outcome",
		}, []string{"command", "outcome"}),

		EventsPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "cperp_events_published_total",
			Help: "Envelopes published to NATS",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cperp_idempotency_duplicates_total",
			Help: "Duplicate commands caught (lru/postgres)",
		}, []string{"command", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "cperp_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		StalePriceUpdates: f.NewCounter(prometheus.CounterOpts{
			Name: "cperp_stale_price_updates_total",
			Help: "Oracle price updates dropped as stale",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cperp_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cperp_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cperp_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cperp_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cperp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "cperp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cperp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Projection
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cperp_projection_update_duration_seconds",
			Help:    "Projection update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		ProjectionWatermark: f.NewGauge(prometheus.GaugeOpts{
			Name: "cperp_projection_watermark",
			Help: "Last sequence applied to the Redis projection",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cperp_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cperp_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
