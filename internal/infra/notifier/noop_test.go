package notifier

import (
	"context"
	"testing"
	"time"

	"priceintel/internal/domain/entity"
)

func TestNoOpNotifier_Notify(t *testing.T) {
	t.Run("returns nil without error", func(t *testing.T) {
		notifier := NewNoOpNotifier()
		ctx := context.Background()

		n := &entity.Notification{
			Title:      "Price drop",
			Body:       "SKU-1 dropped to $9.99",
			URL:        "https://example.com/product/1",
			Source:     "Test Feed",
			Severity:   entity.NotificationAlert,
			OccurredAt: time.Now(),
		}

		if err := notifier.Notify(ctx, n); err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	})

	t.Run("completes immediately with no side effects", func(t *testing.T) {
		notifier := NewNoOpNotifier()
		ctx := context.Background()

		n := &entity.Notification{Title: "Test", Severity: entity.NotificationInfo}

		start := time.Now()
		err := notifier.Notify(ctx, n)
		elapsed := time.Since(start)

		if err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
		if elapsed > time.Millisecond {
			t.Errorf("expected no-op to complete immediately, but took %v", elapsed)
		}
	})

	t.Run("works with nil notification", func(t *testing.T) {
		notifier := NewNoOpNotifier()
		if err := notifier.Notify(context.Background(), nil); err != nil {
			t.Errorf("expected nil error with nil notification, got %v", err)
		}
	})

	t.Run("works with canceled context", func(t *testing.T) {
		notifier := NewNoOpNotifier()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		n := &entity.Notification{Title: "Test"}

		if err := notifier.Notify(ctx, n); err != nil {
			t.Errorf("expected nil error even with canceled context, got %v", err)
		}
	})
}

func TestNewNoOpNotifier(t *testing.T) {
	notifier := NewNoOpNotifier()
	if notifier == nil {
		t.Fatal("expected non-nil notifier")
	}
}
