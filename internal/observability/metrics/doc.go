// Package metrics provides Prometheus metrics registry and recording
// utilities for the ingestion pipelines (§4.E-§4.I).
//
// This package centralizes:
//   - Feed run / circuit breaker / product+price metrics
//   - Scrape cycle / target metrics
//   - Snapshot and alert dispatch metrics
//   - Rate limiter / lock / queue metrics
//   - Database query metrics
//
// HTTP request metrics (duration, count, size) live in
// internal/handler/http instead, so the two packages never register
// colliding Prometheus metric names in the same process.
//
// All metrics are automatically registered with the Prometheus default
// registry and exposed via the /metrics endpoint.
//
// Example usage:
//
//	import "priceintel/internal/observability/metrics"
//
//	func runFeed(feed *entity.AffiliateFeed) {
//	    start := time.Now()
//	    // ... execute the feed run ...
//	    metrics.RecordFeedRun(feed.ID, "succeeded", time.Since(start))
//	}
package metrics
