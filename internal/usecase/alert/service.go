// Package alert implements the Alert Dispatcher of spec.md §4.I: downstream
// of every price write, evaluate each watchlist item's enabled alerts and
// either notify immediately or enqueue a delayed dispatch per the alert
// tier, following the teacher's internal/usecase/notify dispatch idiom
// (entity.Notification + dispatch-and-log-on-failure).
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"priceintel/internal/domain/entity"
	"priceintel/internal/infra/queue"
	"priceintel/internal/observability/metrics"
	"priceintel/internal/repository"
	"priceintel/internal/usecase/notify"
)

// PriceEvent is the input the dispatcher reacts to: one price write for a
// product (§4.I: "downstream of price writes"). HasVisibleDealerPrice and
// the before/after in-stock flags are computed by the caller (the
// promotion step that wrote the Price row); this package only evaluates
// and dispatches alert rules against them.
type PriceEvent struct {
	ProductID             int64
	OldPrice              float64
	NewPrice              float64
	WasInStock            *bool
	InStock               *bool
	HasVisibleDealerPrice bool
	ObservedAt            time.Time
}

func (e PriceEvent) droppedPercent() float64 {
	if e.OldPrice <= 0 {
		return 0
	}
	return (e.OldPrice - e.NewPrice) / e.OldPrice * 100
}

func (e PriceEvent) droppedAbsolute() float64 {
	return e.OldPrice - e.NewPrice
}

func (e PriceEvent) backInStock() bool {
	wasOut := e.WasInStock == nil || !*e.WasInStock
	nowIn := e.InStock != nil && *e.InStock
	return wasOut && nowIn
}

// DelayedEnqueuer is the subset of *queue.Queue the dispatcher depends on
// for tiered delivery delay (§4.I: "enqueued with a per-tier delay").
type DelayedEnqueuer interface {
	EnqueueAt(ctx context.Context, job queue.Job, runAt time.Time) error
}

// Service evaluates watchlist alerts against price events and dispatches
// triggered ones, either immediately (PREMIUM) or delayed (FREE).
type Service struct {
	Watchlist repository.WatchlistRepository
	Notify    notify.Service
	Dispatch  DelayedEnqueuer
	now       func() time.Time
}

func NewService(watchlist repository.WatchlistRepository, notifySvc notify.Service, dispatch DelayedEnqueuer) *Service {
	return &Service{Watchlist: watchlist, Notify: notifySvc, Dispatch: dispatch, now: time.Now}
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Handle evaluates every watchlist item on event.ProductID against its
// enabled alerts and dispatches the ones that trigger. Per-item failures
// are joined and reported, not aborted (mirrors the scheduler/snapshot
// per-entity isolation already established in this codebase).
func (s *Service) Handle(ctx context.Context, event PriceEvent) error {
	if !event.HasVisibleDealerPrice {
		return nil // eligibility rule (§4.I)
	}

	items, err := s.Watchlist.ListForProduct(ctx, event.ProductID)
	if err != nil {
		return fmt.Errorf("list watchlist items: %w", err)
	}

	var errs []error
	for _, item := range items {
		if err := s.evaluateItem(ctx, item, event); err != nil {
			errs = append(errs, fmt.Errorf("watchlist item %d: %w", item.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) evaluateItem(ctx context.Context, item *entity.WatchlistItem, event PriceEvent) error {
	alerts, err := s.Watchlist.ListAlertsForItem(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("list alerts: %w", err)
	}

	now := s.clock()
	var errs []error
	for _, a := range alerts {
		if !a.Enabled {
			continue
		}
		triggered, markPrice := s.evaluateRule(a, item, event, now)
		if !triggered {
			continue
		}
		if err := s.dispatchAlert(ctx, a, item, event, now); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.Watchlist.MarkNotified(ctx, item.ID, markPrice, now); err != nil {
			errs = append(errs, fmt.Errorf("mark notified: %w", err))
		}
	}
	return errors.Join(errs...)
}

// evaluateRule reports whether alert a fires for event, and whether
// MarkNotified should stamp lastPriceNotifiedAt (true, PRICE_DROP) or
// lastNotifiedAt (false, BACK_IN_STOCK) (§4.I: "lastNotifiedAt timestamps
// are written on the watchlist item, not on the alert itself").
func (s *Service) evaluateRule(a *entity.Alert, item *entity.WatchlistItem, event PriceEvent, now time.Time) (triggered bool, markPrice bool) {
	switch a.RuleType {
	case entity.AlertRulePriceDrop:
		if event.NewPrice >= event.OldPrice {
			return false, true
		}
		if event.droppedPercent() < a.MinDropPercent || event.droppedAbsolute() < a.MinDropAbsolute {
			return false, true
		}
		cooldown := time.Duration(a.CooldownMinutes) * time.Minute
		if !item.CooldownElapsed(cooldown, now) {
			return false, true
		}
		return true, true
	case entity.AlertRuleBackInStock:
		if !event.backInStock() {
			return false, false
		}
		cooldown := time.Duration(a.CooldownMinutes) * time.Minute
		if !item.BackInStockCooldownElapsed(cooldown, now) {
			return false, false
		}
		return true, false
	default:
		return false, false
	}
}

func (s *Service) dispatchAlert(ctx context.Context, a *entity.Alert, item *entity.WatchlistItem, event PriceEvent, now time.Time) error {
	n := buildNotification(a, item, event, now)
	delay := a.Tier.DelayFor()

	metrics.RecordAlertDispatched(string(a.RuleType))

	if delay <= 0 {
		if s.Notify == nil {
			return nil
		}
		return s.Notify.Notify(ctx, n)
	}

	if s.Dispatch == nil {
		return nil
	}
	job := queue.Job{ID: fmt.Sprintf("alert-%d-%d", a.ID, now.UnixNano()), Kind: "alert_dispatch"}
	if err := s.Dispatch.EnqueueAt(ctx, job, now.Add(delay)); err != nil {
		return fmt.Errorf("enqueue delayed alert: %w", err)
	}
	return nil
}

func buildNotification(a *entity.Alert, item *entity.WatchlistItem, event PriceEvent, now time.Time) *entity.Notification {
	var title, body string
	switch a.RuleType {
	case entity.AlertRulePriceDrop:
		title = "Price drop"
		body = fmt.Sprintf("Product %d dropped from %.2f to %.2f (%.1f%% off).", event.ProductID, event.OldPrice, event.NewPrice, event.droppedPercent())
	case entity.AlertRuleBackInStock:
		title = "Back in stock"
		body = fmt.Sprintf("Product %d is back in stock.", event.ProductID)
	}
	return &entity.Notification{
		Title:      title,
		Body:       body,
		Source:     fmt.Sprintf("watchlist:%d", item.ID),
		Severity:   entity.NotificationInfo,
		OccurredAt: now,
	}
}
