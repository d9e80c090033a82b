package ratelimit

import (
	"context"
	"fmt"
	"time"

	"priceintel/internal/domain/url"
	"priceintel/pkg/ratelimit"
)

// DomainLimiter rate-limits fetches per registrable domain (spec.md §4.A:
// every outbound HTTP request — feed fetch, scrape fetch — shares a budget
// keyed by eTLD+1, so multiple sources on the same retailer don't
// collectively exceed what that retailer tolerates).
type DomainLimiter struct {
	algorithm ratelimit.RateLimitAlgorithm
	store     ratelimit.RateLimitStore
	limit     int
	window    time.Duration
}

func NewDomainLimiter(store ratelimit.RateLimitStore, limit int, window time.Duration) *DomainLimiter {
	return &DomainLimiter{
		algorithm: ratelimit.NewSlidingWindowAlgorithm(&ratelimit.SystemClock{}),
		store:     store,
		limit:     limit,
		window:    window,
	}
}

// Allow reports whether a request to target may proceed now. Callers that
// get a denied decision should back off until decision.RetryAfter elapses.
func (l *DomainLimiter) Allow(ctx context.Context, target string) (*ratelimit.RateLimitDecision, error) {
	domain, err := url.RegistrableDomain(target)
	if err != nil {
		return nil, fmt.Errorf("Allow: %w", err)
	}
	return l.algorithm.IsAllowed(ctx, domain, l.store, l.limit, l.window)
}
