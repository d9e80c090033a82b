package entity

import "time"

// SystemSetting is a row in the system_settings store (§9 design note):
// global mutable state such as the scheduler-enabled flag and feature
// flags, reads cache-busted at most every 30 seconds, writes stamping
// UpdatedBy.
type SystemSetting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
	UpdatedBy string
}

// Well-known system setting keys.
const (
	SettingSchedulerEnabled       = "scheduler_enabled"
	SettingAdapterLevelScheduling = "adapter_level_scheduling_enabled"
	SettingBypassCircuitBreaker   = "bypass_circuit_breaker"
)

// AlertRuleType distinguishes the watchlist alert conditions of §4.I.
type AlertRuleType string

const (
	AlertRulePriceDrop   AlertRuleType = "PRICE_DROP"
	AlertRuleBackInStock AlertRuleType = "BACK_IN_STOCK"
)

// AlertTier determines delivery latency for a triggered alert (§4.I).
type AlertTier string

const (
	AlertTierFree    AlertTier = "FREE"
	AlertTierPremium AlertTier = "PREMIUM"
)

// DelayFor returns the dispatch delay for a tier: FREE = 1h, PREMIUM = 0.
func (t AlertTier) DelayFor() time.Duration {
	if t == AlertTierPremium {
		return 0
	}
	return time.Hour
}

// Alert is a user-configured watch rule (out of scope to evaluate in full
// per spec.md Non-goals beyond scheduling glue; the entity and dispatch
// scaffolding live here, the heuristics that decide "was this actually a
// good deal" do not).
type Alert struct {
	ID               int64
	WatchlistItemID  int64
	Enabled          bool
	RuleType         AlertRuleType
	MinDropPercent   float64
	MinDropAbsolute  float64
	CooldownMinutes  int
	Tier             AlertTier
}

// WatchlistItem is the user-facing row an Alert is attached to; only the
// fields the dispatcher needs to read/write are modeled here.
type WatchlistItem struct {
	ID                  int64
	ProductID           int64
	UserID              int64
	LastPriceNotifiedAt *time.Time
	LastNotifiedAt      *time.Time
}

// CooldownElapsed reports whether enough time has passed since the last
// price notification to fire again (§4.I PRICE_DROP cooldown).
func (w *WatchlistItem) CooldownElapsed(cooldown time.Duration, now time.Time) bool {
	if w.LastPriceNotifiedAt == nil {
		return true
	}
	return now.Sub(*w.LastPriceNotifiedAt) >= cooldown
}

// BackInStockCooldownElapsed reports whether enough time has passed since
// the last general notification to fire a BACK_IN_STOCK alert again (§4.I:
// lastNotifiedAt is written on the watchlist item, separately from the
// PRICE_DROP-specific lastPriceNotifiedAt).
func (w *WatchlistItem) BackInStockCooldownElapsed(cooldown time.Duration, now time.Time) bool {
	if w.LastNotifiedAt == nil {
		return true
	}
	return now.Sub(*w.LastNotifiedAt) >= cooldown
}
