package alert_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"priceintel/internal/domain/entity"
	"priceintel/internal/infra/queue"
	"priceintel/internal/repository"
	"priceintel/internal/usecase/alert"
	"priceintel/internal/usecase/notify"
)

/* ───────── stub collaborators ───────── */

type stubWatchlistRepo struct {
	itemsForProduct map[int64][]*entity.WatchlistItem
	alertsForItem   map[int64][]*entity.Alert
	markCalls       []markCall
}

type markCall struct {
	itemID        int64
	priceNotified bool
	at            time.Time
}

func (r *stubWatchlistRepo) ListForProduct(_ context.Context, productID int64) ([]*entity.WatchlistItem, error) {
	return r.itemsForProduct[productID], nil
}

func (r *stubWatchlistRepo) ListAlertsForItem(_ context.Context, itemID int64) ([]*entity.Alert, error) {
	return r.alertsForItem[itemID], nil
}

func (r *stubWatchlistRepo) MarkNotified(_ context.Context, itemID int64, priceNotified bool, at time.Time) error {
	r.markCalls = append(r.markCalls, markCall{itemID, priceNotified, at})
	return nil
}

var _ repository.WatchlistRepository = (*stubWatchlistRepo)(nil)

type stubNotifier struct {
	sent []*entity.Notification
}

func (n *stubNotifier) Notify(_ context.Context, note *entity.Notification) error {
	n.sent = append(n.sent, note)
	return nil
}
func (n *stubNotifier) GetChannelHealth() []notify.ChannelHealthStatus { return nil }
func (n *stubNotifier) Shutdown(context.Context) error                { return nil }

var _ notify.Service = (*stubNotifier)(nil)

type stubDelayedEnqueuer struct {
	calls []delayedCall
}

type delayedCall struct {
	job   queue.Job
	runAt time.Time
}

func (q *stubDelayedEnqueuer) EnqueueAt(_ context.Context, job queue.Job, runAt time.Time) error {
	q.calls = append(q.calls, delayedCall{job, runAt})
	return nil
}

func ptrBool(b bool) *bool { return &b }

/* ───────── tests ───────── */

func TestHandle_SkipsWhenNoVisibleDealerPrice(t *testing.T) {
	watchlist := &stubWatchlistRepo{itemsForProduct: map[int64][]*entity.WatchlistItem{1: {{ID: 1}}}}
	notifier := &stubNotifier{}
	svc := alert.NewService(watchlist, notifier, &stubDelayedEnqueuer{})

	err := svc.Handle(context.Background(), alert.PriceEvent{ProductID: 1, HasVisibleDealerPrice: false})
	require.NoError(t, err)
	assert.Empty(t, notifier.sent)
}

func TestHandle_PriceDropPremiumNotifiesImmediately(t *testing.T) {
	item := &entity.WatchlistItem{ID: 10}
	watchlist := &stubWatchlistRepo{
		itemsForProduct: map[int64][]*entity.WatchlistItem{1: {item}},
		alertsForItem: map[int64][]*entity.Alert{10: {
			{ID: 100, Enabled: true, RuleType: entity.AlertRulePriceDrop, MinDropPercent: 5, Tier: entity.AlertTierPremium},
		}},
	}
	notifier := &stubNotifier{}
	enq := &stubDelayedEnqueuer{}
	svc := alert.NewService(watchlist, notifier, enq)

	err := svc.Handle(context.Background(), alert.PriceEvent{
		ProductID: 1, OldPrice: 100, NewPrice: 80, HasVisibleDealerPrice: true,
	})
	require.NoError(t, err)

	require.Len(t, notifier.sent, 1)
	assert.Contains(t, notifier.sent[0].Body, "80.00")
	assert.Empty(t, enq.calls)
	require.Len(t, watchlist.markCalls, 1)
	assert.True(t, watchlist.markCalls[0].priceNotified)
}

func TestHandle_PriceDropFreeTierIsDelayedOneHour(t *testing.T) {
	item := &entity.WatchlistItem{ID: 10}
	watchlist := &stubWatchlistRepo{
		itemsForProduct: map[int64][]*entity.WatchlistItem{1: {item}},
		alertsForItem: map[int64][]*entity.Alert{10: {
			{ID: 100, Enabled: true, RuleType: entity.AlertRulePriceDrop, MinDropPercent: 5, Tier: entity.AlertTierFree},
		}},
	}
	notifier := &stubNotifier{}
	enq := &stubDelayedEnqueuer{}
	svc := alert.NewService(watchlist, notifier, enq)

	before := time.Now()
	err := svc.Handle(context.Background(), alert.PriceEvent{
		ProductID: 1, OldPrice: 100, NewPrice: 80, HasVisibleDealerPrice: true,
	})
	require.NoError(t, err)

	assert.Empty(t, notifier.sent)
	require.Len(t, enq.calls, 1)
	assert.True(t, enq.calls[0].runAt.Sub(before) >= time.Hour)
}

func TestHandle_PriceDropBelowThresholdDoesNotTrigger(t *testing.T) {
	item := &entity.WatchlistItem{ID: 10}
	watchlist := &stubWatchlistRepo{
		itemsForProduct: map[int64][]*entity.WatchlistItem{1: {item}},
		alertsForItem: map[int64][]*entity.Alert{10: {
			{ID: 100, Enabled: true, RuleType: entity.AlertRulePriceDrop, MinDropPercent: 50, Tier: entity.AlertTierPremium},
		}},
	}
	notifier := &stubNotifier{}
	svc := alert.NewService(watchlist, notifier, &stubDelayedEnqueuer{})

	err := svc.Handle(context.Background(), alert.PriceEvent{
		ProductID: 1, OldPrice: 100, NewPrice: 90, HasVisibleDealerPrice: true,
	})
	require.NoError(t, err)
	assert.Empty(t, notifier.sent)
}

func TestHandle_PriceDropRespectsCooldown(t *testing.T) {
	recent := time.Now().Add(-time.Minute)
	item := &entity.WatchlistItem{ID: 10, LastPriceNotifiedAt: &recent}
	watchlist := &stubWatchlistRepo{
		itemsForProduct: map[int64][]*entity.WatchlistItem{1: {item}},
		alertsForItem: map[int64][]*entity.Alert{10: {
			{ID: 100, Enabled: true, RuleType: entity.AlertRulePriceDrop, MinDropPercent: 5, CooldownMinutes: 60, Tier: entity.AlertTierPremium},
		}},
	}
	notifier := &stubNotifier{}
	svc := alert.NewService(watchlist, notifier, &stubDelayedEnqueuer{})

	err := svc.Handle(context.Background(), alert.PriceEvent{
		ProductID: 1, OldPrice: 100, NewPrice: 80, HasVisibleDealerPrice: true,
	})
	require.NoError(t, err)
	assert.Empty(t, notifier.sent)
}

func TestHandle_BackInStockTriggersOnTransition(t *testing.T) {
	item := &entity.WatchlistItem{ID: 10}
	watchlist := &stubWatchlistRepo{
		itemsForProduct: map[int64][]*entity.WatchlistItem{1: {item}},
		alertsForItem: map[int64][]*entity.Alert{10: {
			{ID: 101, Enabled: true, RuleType: entity.AlertRuleBackInStock, Tier: entity.AlertTierPremium},
		}},
	}
	notifier := &stubNotifier{}
	svc := alert.NewService(watchlist, notifier, &stubDelayedEnqueuer{})

	err := svc.Handle(context.Background(), alert.PriceEvent{
		ProductID: 1, WasInStock: ptrBool(false), InStock: ptrBool(true), HasVisibleDealerPrice: true,
	})
	require.NoError(t, err)

	require.Len(t, notifier.sent, 1)
	require.Len(t, watchlist.markCalls, 1)
	assert.False(t, watchlist.markCalls[0].priceNotified)
}

func TestHandle_BackInStockDoesNotTriggerWhenAlreadyInStock(t *testing.T) {
	item := &entity.WatchlistItem{ID: 10}
	watchlist := &stubWatchlistRepo{
		itemsForProduct: map[int64][]*entity.WatchlistItem{1: {item}},
		alertsForItem: map[int64][]*entity.Alert{10: {
			{ID: 101, Enabled: true, RuleType: entity.AlertRuleBackInStock, Tier: entity.AlertTierPremium},
		}},
	}
	notifier := &stubNotifier{}
	svc := alert.NewService(watchlist, notifier, &stubDelayedEnqueuer{})

	err := svc.Handle(context.Background(), alert.PriceEvent{
		ProductID: 1, WasInStock: ptrBool(true), InStock: ptrBool(true), HasVisibleDealerPrice: true,
	})
	require.NoError(t, err)
	assert.Empty(t, notifier.sent)
}

func TestHandle_DisabledAlertNeverTriggers(t *testing.T) {
	item := &entity.WatchlistItem{ID: 10}
	watchlist := &stubWatchlistRepo{
		itemsForProduct: map[int64][]*entity.WatchlistItem{1: {item}},
		alertsForItem: map[int64][]*entity.Alert{10: {
			{ID: 100, Enabled: false, RuleType: entity.AlertRulePriceDrop, MinDropPercent: 1, Tier: entity.AlertTierPremium},
		}},
	}
	notifier := &stubNotifier{}
	svc := alert.NewService(watchlist, notifier, &stubDelayedEnqueuer{})

	err := svc.Handle(context.Background(), alert.PriceEvent{
		ProductID: 1, OldPrice: 100, NewPrice: 10, HasVisibleDealerPrice: true,
	})
	require.NoError(t, err)
	assert.Empty(t, notifier.sent)
}
