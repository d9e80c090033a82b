package metrics

import (
	"fmt"
	"time"
)

// RecordFeedRun records the terminal outcome and duration of one affiliate
// feed run (§4.E finalization).
func RecordFeedRun(feedID int64, outcome string, duration time.Duration) {
	id := fmt.Sprintf("%d", feedID)
	FeedRunsTotal.WithLabelValues(id, outcome).Inc()
	FeedRunDuration.WithLabelValues(id).Observe(duration.Seconds())
}

// RecordFeedRunError records a classified feed run failure (§7).
func RecordFeedRunError(feedID int64, kind string) {
	FeedRunErrors.WithLabelValues(fmt.Sprintf("%d", feedID), kind).Inc()
}

// RecordCircuitBreakerTrip records a §4.E promotion-gate trip.
func RecordCircuitBreakerTrip(feedID int64, reason string) {
	FeedCircuitBreakerTrips.WithLabelValues(fmt.Sprintf("%d", feedID), reason).Inc()
}

// RecordProductsUpserted records Product upserts by ingestion path.
func RecordProductsUpserted(ingestionType string, count int) {
	if count > 0 {
		ProductsUpsertedTotal.WithLabelValues(ingestionType).Add(float64(count))
	}
}

// RecordPricesWritten records Price rows inserted by ingestion path.
func RecordPricesWritten(ingestionType string, count int) {
	if count > 0 {
		PricesWrittenTotal.WithLabelValues(ingestionType).Add(float64(count))
	}
}

// RecordScrapeCycle records the duration of one adapter cycle (§4.F).
func RecordScrapeCycle(adapterID string, duration time.Duration) {
	ScrapeCycleDuration.WithLabelValues(adapterID).Observe(duration.Seconds())
}

// RecordScrapeTargetOutcome records one target's outcome within a cycle.
// outcome should be "success", "failed", or "skipped".
func RecordScrapeTargetOutcome(adapterID, outcome string) {
	ScrapeTargetsTotal.WithLabelValues(adapterID, outcome).Inc()
}

// RecordSnapshotCompute records the duration of one caliber snapshot
// computation (§4.H).
func RecordSnapshotCompute(caliber string, duration time.Duration) {
	SnapshotComputeDuration.WithLabelValues(caliber).Observe(duration.Seconds())
}

// RecordSnapshotInsufficient records a computed snapshot whose sample count
// fell below the percentile floor (§4.H).
func RecordSnapshotInsufficient(caliber string) {
	SnapshotInsufficientTotal.WithLabelValues(caliber).Inc()
}

// RecordAlertDispatched records one watchlist alert dispatch by rule type
// (§4.I).
func RecordAlertDispatched(ruleType string) {
	AlertsDispatchedTotal.WithLabelValues(ruleType).Inc()
}

// RecordRateLimiterDecision records a §4.A acquire decision for an eTLD+1.
func RecordRateLimiterDecision(etld1 string, granted bool) {
	decision := "granted"
	if !granted {
		decision = "denied"
	}
	RateLimiterDecisionsTotal.WithLabelValues(etld1, decision).Inc()
}

// RecordLockContention records a §4.B advisory-lock acquisition that found
// the lock already held.
func RecordLockContention(lockName string) {
	LockContentionTotal.WithLabelValues(lockName).Inc()
}

// RecordSchedulerTick records one scheduler loop iteration (§4.G). outcome
// should be "ran" or "lock_contended".
func RecordSchedulerTick(outcome string, duration time.Duration) {
	SchedulerTicksTotal.WithLabelValues(outcome).Inc()
	if outcome == "ran" {
		SchedulerTickDuration.Observe(duration.Seconds())
	}
}

// RecordSchedulerEnqueue records one job enqueued by the scheduler.
func RecordSchedulerEnqueue(kind string) {
	SchedulerEnqueuedTotal.WithLabelValues(kind).Inc()
}

// RecordSchedulerClaimConflict records a lost CAS race on a feed or
// adapter claim (expected under concurrent admin writes, not an error).
func RecordSchedulerClaimConflict(kind string) {
	SchedulerClaimConflictsTotal.WithLabelValues(kind).Inc()
}

// UpdateQueueDepth updates the current depth gauge for a named queue (§4.C).
func UpdateQueueDepth(queueName string, depth int) {
	QueueDepth.WithLabelValues(queueName).Set(float64(depth))
}

// UpdateSourcesTotal updates the total count of sources in the database.
// This gauge should be updated periodically to reflect the current state.
func UpdateSourcesTotal(count int) {
	SourcesTotal.Set(float64(count))
}

// RecordDBQuery records the duration of a database query operation.
// Operation should describe the query type (e.g., "select_feeds", "insert_price").
func RecordDBQuery(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// UpdateDBConnectionStats updates database connection pool statistics.
func UpdateDBConnectionStats(active, idle int) {
	DBConnectionsActive.Set(float64(active))
	DBConnectionsIdle.Set(float64(idle))
}
