package entity

import "time"

// AdapterDisabledReason records why a ScrapeAdapter stopped running.
type AdapterDisabledReason string

const (
	AdapterDisabledManual       AdapterDisabledReason = "MANUAL"
	AdapterDisabledAutoDisabled AdapterDisabledReason = "AUTO_DISABLED"
)

// AdapterBaseline is the rolling health baseline used to detect cycle
// failure-rate drift (§4.F cycle finalization).
type AdapterBaseline struct {
	FailureRate float64
	YieldRate   float64
	SampleSize  int
	UpdatedAt   time.Time
}

// ConsecutiveFailedBatchThreshold is the default auto-disable threshold for
// an adapter's consecutiveFailedBatches counter (§9 open question: the spec
// leaves the unification of cycle-failure-count and adapter-health-counter
// to the implementer; this repo treats them as the same field).
const ConsecutiveFailedBatchThreshold = 5

// AdapterExtractionConfig tells the adapter's structural scraper where to
// find one retailer's product-offer fields on a rendered page. Selector
// fields address CSS-rendered pages (Webflow); DataKey/ContextKey address
// the embedded-JSON shapes (Next.js' __NEXT_DATA__, Remix's
// window.__remixContext).
type AdapterExtractionConfig struct {
	ItemSelector            string
	TitleSelector           string
	URLSelector             string
	PriceSelector           string
	StockSelector           string
	SourceProductIDSelector string
	URLPrefix               string
	DataKey                 string
	ContextKey              string
	InStockText             string
}

// ScrapeAdapter is the status record for a scraping driver (§3).
type ScrapeAdapter struct {
	ID                       string
	Enabled                  bool
	IngestionPaused          bool
	IngestionPausedBy        string
	IngestionPausedAt        *time.Time
	IngestionPausedReason    string
	Schedule                 string // cron expression, UTC
	CycleTimeoutMinutes      int
	CurrentCycleID           *string
	LastCycleStartedAt       *time.Time
	ConsecutiveFailedBatches int
	DisabledAt               *time.Time
	DisabledReason           AdapterDisabledReason
	Baseline                 AdapterBaseline
	AdapterLevelSchedulingOn bool
	// Driver names the structural scraper shape this adapter's targets
	// render as ("Webflow", "NextJS", "Remix"), matched against
	// scraper.Factory.CreateExtractors' keys by the cycle engine's
	// dispatcher (§4.F).
	Driver           string
	ExtractionConfig AdapterExtractionConfig
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Runnable reports whether the adapter may start a new cycle.
func (a *ScrapeAdapter) Runnable() bool {
	return a.Enabled && !a.IngestionPaused && a.CurrentCycleID == nil
}

// ShouldAutoDisable reports whether consecutiveFailedBatches has crossed the
// auto-disable threshold (§4.F).
func (a *ScrapeAdapter) ShouldAutoDisable() bool {
	return a.ConsecutiveFailedBatches >= ConsecutiveFailedBatchThreshold
}

// TargetStatus is the health state of a ScrapeTarget.
type TargetStatus string

const (
	TargetStatusActive TargetStatus = "ACTIVE"
	TargetStatusBroken TargetStatus = "BROKEN"
	TargetStatusStale  TargetStatus = "STALE"
)

// TargetLastStatus is the outcome of a target's most recent scrape attempt.
type TargetLastStatus string

const (
	TargetLastStatusPendingManual TargetLastStatus = "PENDING_MANUAL"
	TargetLastStatusEnqueued      TargetLastStatus = "ENQUEUED"
	TargetLastStatusSuccess       TargetLastStatus = "SUCCESS"
	TargetLastStatusFailed        TargetLastStatus = "FAILED"
)

// ScrapeTarget is a single URL bound to (source, adapter) (§3).
type ScrapeTarget struct {
	ID                string
	URL               string
	CanonicalURL      string
	SourceID          int64
	AdapterID         string
	Priority          int // [0,100]
	CronExpression    string
	Enabled           bool
	Status            TargetStatus
	LastStatus        TargetLastStatus
	LastScrapedAt     *time.Time
	ConsecutiveFailures int
	RobotsPathBlocked bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Validate checks the structural invariants of a ScrapeTarget.
func (t *ScrapeTarget) Validate() error {
	if t.URL == "" {
		return &ValidationError{Field: "url", Message: "url is required"}
	}
	if t.AdapterID == "" {
		return &ValidationError{Field: "adapter_id", Message: "adapter_id is required"}
	}
	if t.Priority < 0 || t.Priority > 100 {
		return &ValidationError{Field: "priority", Message: "priority must be in [0,100]"}
	}
	return nil
}

// EligibleFor reports whether the target may be scraped in a cycle, given
// its owning source and adapter (§4.F eligibility rule).
func (t *ScrapeTarget) EligibleFor(source *Source, adapter *ScrapeAdapter) bool {
	if !t.Enabled || t.Status != TargetStatusActive || t.RobotsPathBlocked {
		return false
	}
	if source == nil || !source.ScrapeEnabled || !source.RobotsCompliant {
		return false
	}
	if adapter == nil || !adapter.Enabled || adapter.IngestionPaused {
		return false
	}
	return true
}

// CycleStatus is the lifecycle state of a ScrapeCycle.
type CycleStatus string

const (
	CycleStatusRunning   CycleStatus = "RUNNING"
	CycleStatusSucceeded CycleStatus = "SUCCEEDED"
	CycleStatusFailed    CycleStatus = "FAILED"
	CycleStatusCancelled CycleStatus = "CANCELLED"
)

// ScrapeCycle is one bounded pass of an adapter over its eligible targets (§3).
type ScrapeCycle struct {
	ID        string
	AdapterID string
	Trigger   FeedTrigger
	Status    CycleStatus

	TotalTargets      int
	TargetsCompleted  int
	TargetsFailed     int
	TargetsSkipped    int
	OffersExtracted   int
	OffersValid       int

	LastProcessedTargetID string

	StartedAt  time.Time
	FinishedAt *time.Time
}

// Done reports whether every target has reached a terminal outcome.
func (c *ScrapeCycle) Done() bool {
	return c.TargetsCompleted+c.TargetsFailed+c.TargetsSkipped >= c.TotalTargets
}

// FailureRate computes the cycle's observed failure rate for baseline
// comparison (§4.F cycle finalization).
func (c *ScrapeCycle) FailureRate() float64 {
	total := c.TargetsCompleted + c.TargetsFailed
	if total == 0 {
		return 0
	}
	return float64(c.TargetsFailed) / float64(total)
}
