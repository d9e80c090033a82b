// Package repository declares the persistence interfaces consumed by the
// usecase layer, following the teacher's repository-per-aggregate pattern
// (see the original source_repository.go/article_repository.go). Each
// interface is implemented against Postgres in
// internal/infra/adapter/persistence/postgres.
package repository

import (
	"context"
	"time"

	"priceintel/internal/domain/entity"
)

// SourceRepository persists Source rows.
type SourceRepository interface {
	Get(ctx context.Context, id int64) (*entity.Source, error)
	List(ctx context.Context) ([]*entity.Source, error)
	Create(ctx context.Context, s *entity.Source) (*entity.Source, error)
	Update(ctx context.Context, s *entity.Source) error
}

// FeedRepository persists AffiliateFeed rows, including the scheduler's
// compare-and-swap claim on nextRunAt (§4.G).
type FeedRepository interface {
	Get(ctx context.Context, id int64) (*entity.AffiliateFeed, error)
	List(ctx context.Context) ([]*entity.AffiliateFeed, error)
	Create(ctx context.Context, f *entity.AffiliateFeed) (*entity.AffiliateFeed, error)

	// DueForSchedule returns ACTIVE feeds where nextRunAt<=now or
	// manualRunPending=true (§4.G affiliate tick).
	DueForSchedule(ctx context.Context, now time.Time) ([]*entity.AffiliateFeed, error)

	// ClaimNextRun performs the CAS update from §4.G: it advances nextRunAt
	// to nextRun only if the feed's updatedAt still matches expectedUpdatedAt,
	// and reports whether the claim succeeded.
	ClaimNextRun(ctx context.Context, feedID int64, expectedUpdatedAt time.Time, nextRun *time.Time) (bool, error)

	// ClearManualRunPending clears the manual-trigger flag conditioned on
	// updatedAt, so a racing flag-set is not silently lost (§4.G).
	ClearManualRunPending(ctx context.Context, feedID int64, expectedUpdatedAt time.Time) (bool, error)

	// RecordOutcome applies the post-finalize state transition: reset/
	// increment consecutiveFailures, write the feed memo, and auto-disable
	// when the threshold trips (§4.E finalization).
	RecordOutcome(ctx context.Context, feedID int64, succeeded bool, memo entity.FeedMemo) (*entity.AffiliateFeed, error)
}

// FeedRunRepository persists AffiliateFeedRun rows.
type FeedRunRepository interface {
	Create(ctx context.Context, r *entity.AffiliateFeedRun) error
	Get(ctx context.Context, id string) (*entity.AffiliateFeedRun, error)

	// FindRecentRunning implements orphan recovery (§4.E): the most recent
	// RUNNING run for (feedID, trigger) started within the recovery window.
	FindRecentRunning(ctx context.Context, feedID int64, trigger entity.FeedTrigger, since time.Time) (*entity.AffiliateFeedRun, error)

	// MostRecentSucceeded returns the latest non-ignored SUCCEEDED run for
	// a feed, used to carry forward "seen" rows on an UNCHANGED skip (§4.E).
	MostRecentSucceeded(ctx context.Context, feedID int64) (*entity.AffiliateFeedRun, error)

	// ListRunning returns every RUNNING run across all feeds, used by the
	// emergency-stop operation (§4.F) to abort in-flight runs.
	ListRunning(ctx context.Context) ([]*entity.AffiliateFeedRun, error)

	Update(ctx context.Context, r *entity.AffiliateFeedRun) error
	RecordRowErrors(ctx context.Context, runID string, errs []string) error
}

// AdapterRepository persists ScrapeAdapter rows.
type AdapterRepository interface {
	Get(ctx context.Context, id string) (*entity.ScrapeAdapter, error)
	List(ctx context.Context) ([]*entity.ScrapeAdapter, error)
	Upsert(ctx context.Context, a *entity.ScrapeAdapter) error

	// DueForCycle returns enabled, unpaused, idle adapters whose cron has
	// fired (§4.G adapter-cycle tick).
	DueForCycle(ctx context.Context, now time.Time) ([]*entity.ScrapeAdapter, error)

	// ClaimCycle sets currentCycleId/lastCycleStartedAt conditioned on the
	// adapter currently having no active cycle.
	ClaimCycle(ctx context.Context, adapterID, cycleID string, startedAt time.Time) (bool, error)
	ClearCycle(ctx context.Context, adapterID string) error

	ToggleEnabled(ctx context.Context, adapterID string, enabled bool) error
	TogglePaused(ctx context.Context, adapterID string, paused bool, by, reason string) error
	ResetFailures(ctx context.Context, adapterID string) error
	UpdateSchedule(ctx context.Context, adapterID, cron string) error
	IncrementConsecutiveFailedBatches(ctx context.Context, adapterID string) (*entity.ScrapeAdapter, error)
	ResetConsecutiveFailedBatches(ctx context.Context, adapterID string) error
	Disable(ctx context.Context, adapterID string, reason entity.AdapterDisabledReason) error
}

// TargetRepository persists ScrapeTarget rows.
type TargetRepository interface {
	Get(ctx context.Context, id string) (*entity.ScrapeTarget, error)
	GetByCanonicalURL(ctx context.Context, sourceID int64, canonicalURL string) (*entity.ScrapeTarget, error)
	List(ctx context.Context, adapterID string, limit, offset int) ([]*entity.ScrapeTarget, error)
	Create(ctx context.Context, t *entity.ScrapeTarget) (*entity.ScrapeTarget, error)
	Update(ctx context.Context, t *entity.ScrapeTarget) error
	Delete(ctx context.Context, id string) error

	// EligibleForCycle returns targets ordered by (status ASC, priority
	// DESC, createdAt DESC) eligible for the adapter's next cycle batch
	// (§4.F per-target dispatch), resuming after lastProcessedTargetID.
	EligibleForCycle(ctx context.Context, adapterID string, afterID string, batchSize int) ([]*entity.ScrapeTarget, error)

	CountByLastStatus(ctx context.Context, adapterID string, status entity.TargetLastStatus) (int, error)
	CountPendingGlobal(ctx context.Context) (int, error)
	SetLastStatus(ctx context.Context, id string, status entity.TargetLastStatus) error
	RecordOutcome(ctx context.Context, id string, success bool, scrapedAt time.Time) error
}

// CycleRepository persists ScrapeCycle rows.
type CycleRepository interface {
	Get(ctx context.Context, id string) (*entity.ScrapeCycle, error)
	Create(ctx context.Context, c *entity.ScrapeCycle) error
	Update(ctx context.Context, c *entity.ScrapeCycle) error
	IncrementCounters(ctx context.Context, id string, completed, failed, skipped, offersExtracted, offersValid int, lastProcessedTargetID string) error
	RunningOlderThan(ctx context.Context, cutoff time.Time) ([]*entity.ScrapeCycle, error)
}

// ProductRepository persists Product rows.
type ProductRepository interface {
	Upsert(ctx context.Context, p *entity.Product) (*entity.Product, error)
	FindBySourceProductID(ctx context.Context, sourceProductID string) (*entity.Product, error)
	CountActiveForFeed(ctx context.Context, feedID int64) (int, error)
	MarkPromoted(ctx context.Context, productIDs []int64, seenAt time.Time) error
	ExpireOlderThan(ctx context.Context, feedID int64, cutoff time.Time, excludeIDs []int64) (int, error)
}

// PriceRepository persists Price rows.
type PriceRepository interface {
	Insert(ctx context.Context, p *entity.Price) error
	MostRecent(ctx context.Context, productID, retailerID int64) (*entity.Price, error)
	BatchInsert(ctx context.Context, prices []*entity.Price) (int, error)
}

// SnapshotRepository persists CaliberMarketSnapshot rows.
type SnapshotRepository interface {
	// SupersedeAndInsert performs the transactional SUPERSEDE+INSERT of
	// §4.H: any existing CURRENT row for (caliber, windowDays) is marked
	// SUPERSEDED, then the new row is inserted CURRENT, in one transaction.
	// Returns entity.ErrAlreadyExists on a unique-constraint race.
	SupersedeAndInsert(ctx context.Context, snap *entity.CaliberMarketSnapshot) error
	Current(ctx context.Context, caliber string, windowDays int) (*entity.CaliberMarketSnapshot, error)
}

// SystemSettingsRepository persists the system_settings store (§9).
type SystemSettingsRepository interface {
	Get(ctx context.Context, key string) (*entity.SystemSetting, error)
	Set(ctx context.Context, key, value, updatedBy string) error
}

// WatchlistRepository persists WatchlistItem rows.
type WatchlistRepository interface {
	ListForProduct(ctx context.Context, productID int64) ([]*entity.WatchlistItem, error)
	ListAlertsForItem(ctx context.Context, itemID int64) ([]*entity.Alert, error)
	MarkNotified(ctx context.Context, itemID int64, priceNotified bool, at time.Time) error
}
