package circuitbreaker

import "priceintel/internal/domain/entity"

// FeedPromotionGate implements spec.md §4.E's promotion-safety breaker: a
// single-run ratio gate evaluated once per feed run, independent of the
// gobreaker-based CircuitBreaker above (which trips across many calls to
// an external dependency). This gate trips on the shape of one run's
// counters, deciding whether that run's product expirations are trusted
// enough to apply.
type FeedPromotionGate struct{}

// GateResult explains why a run's promotion was allowed or suppressed.
type GateResult struct {
	Tripped bool
	Reason  string
}

// Evaluate applies §4.E's four trip conditions in order; the first match
// wins. bypassCircuitBreaker (per-feed operator override) skips all of
// them.
func (FeedPromotionGate) Evaluate(m entity.RunMetrics, bypassCircuitBreaker bool) GateResult {
	if bypassCircuitBreaker {
		return GateResult{Tripped: false}
	}

	if m.ActiveCountBefore >= 50 {
		if ratio(m.WouldExpireCount, m.ActiveCountBefore) > 0.30 {
			return GateResult{Tripped: true, Reason: "would_expire_ratio_exceeded"}
		}
	}

	if m.ProductsUpserted >= 20 {
		if ratio(m.URLHashFallbackCount, m.ProductsUpserted) > 0.20 {
			return GateResult{Tripped: true, Reason: "url_hash_fallback_ratio_exceeded"}
		}
		if m.SeenSuccessCount == 0 {
			return GateResult{Tripped: true, Reason: "zero_seen_success_with_upserts"}
		}
	}

	return GateResult{Tripped: false}
}

func ratio(numerator, denominator int) float64 {
	if denominator == 0 {
		return 0
	}
	return float64(numerator) / float64(denominator)
}
