package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"priceintel/internal/infra/notifier"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDiscordChannel(t *testing.T) {
	t.Run("enabled config uses DiscordNotifier", func(t *testing.T) {
		ch := NewDiscordChannel(notifier.DiscordConfig{Enabled: true, WebhookURL: "https://discord.com/api/webhooks/x", Timeout: time.Second})
		assert.Equal(t, "discord", ch.Name())
		assert.True(t, ch.IsEnabled())
	})

	t.Run("disabled config uses NoOpNotifier", func(t *testing.T) {
		ch := NewDiscordChannel(notifier.DiscordConfig{Enabled: false})
		assert.False(t, ch.IsEnabled())
	})
}

func TestDiscordChannel_Send(t *testing.T) {
	t.Run("sends successfully when enabled", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		ch := NewDiscordChannel(notifier.DiscordConfig{Enabled: true, WebhookURL: server.URL, Timeout: 5 * time.Second})
		require.NoError(t, ch.Send(context.Background(), testNotification()))
	})

	t.Run("returns ErrChannelDisabled when disabled", func(t *testing.T) {
		ch := NewDiscordChannel(notifier.DiscordConfig{Enabled: false})
		assert.ErrorIs(t, ch.Send(context.Background(), testNotification()), ErrChannelDisabled)
	})

	t.Run("returns ErrInvalidNotification for nil notification", func(t *testing.T) {
		ch := NewDiscordChannel(notifier.DiscordConfig{Enabled: true, WebhookURL: "https://discord.com/api/webhooks/x", Timeout: time.Second})
		assert.ErrorIs(t, ch.Send(context.Background(), nil), ErrInvalidNotification)
	})
}
