// Package notifier provides abstraction for sending operator/consumer
// notifications about pipeline events and price/stock alerts. It defines
// the Notifier interface which allows different delivery mechanisms
// (Discord, Slack, email, etc.) to be used interchangeably through
// dependency injection.
//
// The package includes implementations for Discord and Slack webhooks and
// a no-op notifier for when notifications are disabled.
package notifier

import (
	"context"

	"priceintel/internal/domain/entity"
)

// Notifier is an interface for sending notifications. Implementations
// should handle rate limiting, retries, and error logging internally.
type Notifier interface {
	// Notify sends n to the implementation's delivery channel.
	//
	// Implementations should:
	//   - Generate a unique request ID for tracing
	//   - Apply rate limiting to prevent API abuse
	//   - Retry transient failures with exponential backoff
	//   - Log all attempts with the request ID for debugging
	//   - Respect context cancellation
	Notify(ctx context.Context, n *entity.Notification) error
}
