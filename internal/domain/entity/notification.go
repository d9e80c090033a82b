package entity

import "time"

// NotificationSeverity classifies a Notification for filtering and display.
type NotificationSeverity string

const (
	NotificationInfo    NotificationSeverity = "INFO"
	NotificationWarning NotificationSeverity = "WARNING"
	NotificationAlert   NotificationSeverity = "ALERT"
)

// Notification is the generic operator/consumer message dispatched through
// internal/usecase/notify's channels: feed auto-disable/recovery (§4.E),
// data-quality warnings (§4.E), circuit-breaker trips (§4.E/§7), and
// watchlist price/stock alerts (§4.I) all produce one of these rather than
// each owning a bespoke payload shape.
type Notification struct {
	Title     string
	Body      string
	URL       string
	Source    string // footer text: originating feed/adapter/source name
	Severity  NotificationSeverity
	OccurredAt time.Time
}
