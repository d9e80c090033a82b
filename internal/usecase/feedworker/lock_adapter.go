package feedworker

import (
	"context"
	"time"

	"priceintel/internal/infra/lock"
)

// lockServiceAdapter wraps *lock.Service to satisfy Locker. *lock.Lock
// already satisfies FeedLock structurally; only TryAcquire's concrete
// return type needs adapting.
type lockServiceAdapter struct {
	svc *lock.Service
}

// NewLockAdapter adapts a production *lock.Service for use as a feedworker
// Locker.
func NewLockAdapter(svc *lock.Service) Locker {
	return &lockServiceAdapter{svc: svc}
}

func (a *lockServiceAdapter) TryAcquire(ctx context.Context, name string, ttl time.Duration) (FeedLock, bool, error) {
	l, ok, err := a.svc.TryAcquire(ctx, name, ttl)
	if l == nil {
		return nil, ok, err
	}
	return l, ok, err
}
