// Package metrics provides centralized Prometheus metrics for the application.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics (duration, count, size) are owned by
// internal/handler/http, which is the package actually wired into the
// middleware chain; duplicating their names here would panic promauto at
// process start.

// Ingestion metrics track the affiliate-feed and scraper pipelines (§4.E-§4.I)
var (
	// SourcesTotal tracks total number of sources in database
	SourcesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sources_total",
			Help: "Total number of sources in the database",
		},
	)

	// FeedRunsTotal counts affiliate feed runs by feed and terminal outcome.
	FeedRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_runs_total",
			Help: "Total number of affiliate feed runs",
		},
		[]string{"feed_id", "outcome"}, // outcome: succeeded, failed, skipped
	)

	// FeedRunDuration measures wall-clock time of one feed run.
	FeedRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feed_run_duration_seconds",
			Help:    "Time taken to execute one affiliate feed run",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"feed_id"},
	)

	// FeedRunErrors counts feed run failures by classified kind (§7).
	FeedRunErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_run_errors_total",
			Help: "Total number of affiliate feed run failures by kind",
		},
		[]string{"feed_id", "kind"},
	)

	// FeedCircuitBreakerTrips counts §4.E promotion-gate trips by reason.
	FeedCircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_circuit_breaker_trips_total",
			Help: "Total number of times the feed promotion circuit breaker tripped",
		},
		[]string{"feed_id", "reason"},
	)

	// ProductsUpsertedTotal counts Product upserts by ingestion path.
	ProductsUpsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "products_upserted_total",
			Help: "Total number of product upserts",
		},
		[]string{"ingestion_type"}, // AFFILIATE_FEED, SCRAPE
	)

	// PricesWrittenTotal counts Price rows inserted by ingestion path.
	PricesWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prices_written_total",
			Help: "Total number of price observations written",
		},
		[]string{"ingestion_type"},
	)

	// ScrapeCycleDuration measures wall-clock time of one adapter cycle.
	ScrapeCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scrape_cycle_duration_seconds",
			Help:    "Time taken to execute one scrape adapter cycle",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"adapter_id"},
	)

	// ScrapeTargetsTotal counts per-target scrape outcomes within a cycle.
	ScrapeTargetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrape_targets_total",
			Help: "Total number of scrape target attempts by outcome",
		},
		[]string{"adapter_id", "outcome"}, // success, failed, skipped
	)

	// SnapshotComputeDuration measures time to compute one caliber snapshot.
	SnapshotComputeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapshot_compute_duration_seconds",
			Help:    "Time taken to compute one caliber market snapshot",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"caliber"},
	)

	// SnapshotInsufficientTotal counts computed snapshots whose sampleCount
	// fell below entity.MinSampleCountForPercentiles (§4.H).
	SnapshotInsufficientTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_insufficient_total",
			Help: "Total number of caliber snapshots computed with insufficient sample count",
		},
		[]string{"caliber"},
	)

	// AlertsDispatchedTotal counts watchlist alerts dispatched by rule type.
	AlertsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_dispatched_total",
			Help: "Total number of watchlist alerts dispatched",
		},
		[]string{"rule_type"}, // PRICE_DROP, BACK_IN_STOCK
	)

	// RateLimiterDecisionsTotal counts §4.A acquire/release decisions.
	RateLimiterDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limiter_decisions_total",
			Help: "Total number of rate limiter acquire decisions",
		},
		[]string{"etld1", "decision"}, // granted, denied
	)

	// LockContentionTotal counts failed (already-held) lock acquisitions (§4.B).
	LockContentionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_contention_total",
			Help: "Total number of advisory lock acquisition attempts that found the lock already held",
		},
		[]string{"lock_name"},
	)

	// QueueDepth gauges the current depth of a named durable queue (§4.C).
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current depth of a named durable queue",
		},
		[]string{"queue_name"},
	)

	// SchedulerTicksTotal counts completed scheduler ticks by outcome.
	SchedulerTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_ticks_total",
			Help: "Total number of scheduler ticks",
		},
		[]string{"outcome"}, // ran, lock_contended
	)

	// SchedulerTickDuration measures wall-clock time of one scheduler tick.
	SchedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_seconds",
			Help:    "Time taken to execute one scheduler tick",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	// SchedulerEnqueuedTotal counts jobs enqueued by the scheduler, by kind.
	SchedulerEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_enqueued_total",
			Help: "Total number of jobs enqueued by the scheduler",
		},
		[]string{"kind"},
	)

	// SchedulerClaimConflictsTotal counts lost CAS races on feed/adapter
	// claims, expected under concurrent admin writes.
	SchedulerClaimConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_claim_conflicts_total",
			Help: "Total number of scheduler claim CAS conflicts",
		},
		[]string{"kind"}, // feed, adapter
	)
)

// Database metrics track database performance
var (
	// DBQueryDuration measures database query duration
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		},
		[]string{"operation"},
	)

	// DBConnectionsActive tracks active database connections
	DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_active",
			Help: "Number of active database connections",
		},
	)

	// DBConnectionsIdle tracks idle database connections
	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_idle",
			Help: "Number of idle database connections",
		},
	)
)

// RecordOperationDuration records the duration of a named operation
func RecordOperationDuration(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
