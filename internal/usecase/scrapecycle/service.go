// Package scrapecycle executes the Scraper Cycle Engine of spec.md §4.F: a
// time-bounded pass of one ScrapeAdapter over its eligible targets, fanning
// fetches out across goroutines while respecting a per-domain rate budget,
// and finalizing the cycle against the adapter's failure-rate baseline.
package scrapecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"priceintel/internal/domain/entity"
	"priceintel/internal/domain/runid"
	"priceintel/internal/infra/queue"
	"priceintel/internal/observability/logging"
	"priceintel/internal/observability/metrics"
	"priceintel/internal/repository"
	"priceintel/internal/usecase/notify"
	"priceintel/pkg/ratelimit"
)

// Cap constants for manual-trigger intake (§4.F).
const (
	maxPendingManualPerAdapter = 10
	maxEnqueuedPerAdapter      = 1000
	maxPendingGlobal           = 10000
	maxManualRetryAfter        = 5 * time.Minute
)

// targetBatchSize bounds one EligibleForCycle page pulled per dispatch round.
const targetBatchSize = 25

// targetConcurrency bounds how many targets are fetched in parallel within
// one batch, mirroring the two-tier semaphore pattern the feed crawler uses
// for its own fan-out.
const targetConcurrency = 5

// defaultCycleTimeout applies when an adapter has no cycleTimeoutMinutes set.
const defaultCycleTimeout = 30 * time.Minute

// JobPayload is the scrape_cycle queue.Job's decoded payload.
type JobPayload struct {
	CycleID   string `json:"cycleId"`
	AdapterID string `json:"adapterId"`
}

// ExtractResult is what an Extractor recovers from one target's page.
type ExtractResult struct {
	Product entity.Product
	Price   float64
	InStock *bool
	// Found is false when the page loaded but reported no price (removed
	// listing, out of stock with no last-known price) — a successful
	// attempt that still does not produce an offer.
	Found bool
}

// Extractor fetches and parses one ScrapeTarget's product page. Concrete
// implementations live in internal/infra/scraper, keyed by the adapter's
// driver (webflow/nextjs/remix/rss-derived product pages).
type Extractor interface {
	Extract(ctx context.Context, target *entity.ScrapeTarget) (*ExtractResult, error)
}

// RateLimiter reports whether a fetch to target may proceed now, keyed on
// the target URL's eTLD+1 (§4.A). *ratelimit.DomainLimiter satisfies this
// directly.
type RateLimiter interface {
	Allow(ctx context.Context, target string) (*ratelimit.RateLimitDecision, error)
}

// AdapterLock is a held advisory lock, satisfied by *lock.Lock.
type AdapterLock interface {
	Renew(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker is the subset of lock.Service's API the engine depends on,
// narrowed to an interface so tests can double it without a live Redis
// instance; NewLockAdapter wraps a real *lock.Service for production wiring.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (AdapterLock, bool, error)
}

const lockTTL = 5 * time.Minute

// CapExceededError is returned by TriggerManualScrape when one of the
// manual-trigger intake caps (§4.F) is already at its limit.
type CapExceededError struct {
	Reason       string
	RetryAfterMs int64
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("manual trigger cap exceeded: %s (retry after %dms)", e.Reason, e.RetryAfterMs)
}

// ErrCycleAlreadyRunning is returned by TriggerAdapterCycle when the adapter
// already has a currentCycleId.
var ErrCycleAlreadyRunning = errors.New("scrapecycle: adapter already has a running cycle")

// ErrAdapterNotRunnable is returned when the adapter is disabled or paused.
var ErrAdapterNotRunnable = errors.New("scrapecycle: adapter is disabled or ingestion-paused")

// ErrNoEligibleTargets is returned when a "Run Now" trigger would start a
// cycle with zero eligible targets.
var ErrNoEligibleTargets = errors.New("scrapecycle: adapter has no eligible targets")

// Service executes Scraper Cycle Engine runs.
type Service struct {
	TargetRepo   repository.TargetRepository
	CycleRepo    repository.CycleRepository
	AdapterRepo  repository.AdapterRepository
	SourceRepo   repository.SourceRepository
	ProductRepo  repository.ProductRepository
	PriceRepo    repository.PriceRepository
	Locks        Locker
	Extract      Extractor
	RateLimit    RateLimiter
	Notify       notify.Service
	ItemSampler  *logging.Sampler

	now func() time.Time
}

// NewService constructs a scrapecycle Service with production defaults.
func NewService(
	targetRepo repository.TargetRepository,
	cycleRepo repository.CycleRepository,
	adapterRepo repository.AdapterRepository,
	sourceRepo repository.SourceRepository,
	productRepo repository.ProductRepository,
	priceRepo repository.PriceRepository,
	locks Locker,
	extract Extractor,
	rateLimit RateLimiter,
	notifySvc notify.Service,
) *Service {
	return &Service{
		TargetRepo:  targetRepo,
		CycleRepo:   cycleRepo,
		AdapterRepo: adapterRepo,
		SourceRepo:  sourceRepo,
		ProductRepo: productRepo,
		PriceRepo:   priceRepo,
		Locks:       locks,
		Extract:     extract,
		RateLimit:   rateLimit,
		Notify:      notifySvc,
		ItemSampler: logging.NewSampler(itemSamplerAlwaysFirst, itemSamplerRate),
		now:         time.Now,
	}
}

// itemSamplerAlwaysFirst/itemSamplerRate tune processTarget's per-item debug
// emission: the first N targets of a cycle always log at debug, after which
// only a deterministic sample logs to keep noisy cycles readable.
const (
	itemSamplerAlwaysFirst = 20
	itemSamplerRate        = 0.05
)

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// TriggerManualScrape implements admin "Scrape Now" intake on a single
// target (§4.F manual trigger intake): enforces the three backlog caps and,
// on acceptance, flips the target's lastStatus to PENDING_MANUAL so the
// engine's next cycle pass picks it up.
func (s *Service) TriggerManualScrape(ctx context.Context, targetID string) error {
	target, err := s.TargetRepo.Get(ctx, targetID)
	if err != nil {
		return fmt.Errorf("load target: %w", err)
	}

	pendingManual, err := s.TargetRepo.CountByLastStatus(ctx, target.AdapterID, entity.TargetLastStatusPendingManual)
	if err != nil {
		return fmt.Errorf("count pending-manual: %w", err)
	}
	if pendingManual >= maxPendingManualPerAdapter {
		return &CapExceededError{Reason: "PENDING_MANUAL_PER_ADAPTER", RetryAfterMs: retryAfterFor(pendingManual)}
	}

	enqueued, err := s.TargetRepo.CountByLastStatus(ctx, target.AdapterID, entity.TargetLastStatusEnqueued)
	if err != nil {
		return fmt.Errorf("count enqueued: %w", err)
	}
	if enqueued >= maxEnqueuedPerAdapter {
		return &CapExceededError{Reason: "ENQUEUED_PER_ADAPTER", RetryAfterMs: retryAfterFor(enqueued)}
	}

	pendingGlobal, err := s.TargetRepo.CountPendingGlobal(ctx)
	if err != nil {
		return fmt.Errorf("count pending global: %w", err)
	}
	if pendingGlobal >= maxPendingGlobal {
		return &CapExceededError{Reason: "PENDING_GLOBAL", RetryAfterMs: retryAfterFor(pendingGlobal)}
	}

	return s.TargetRepo.SetLastStatus(ctx, targetID, entity.TargetLastStatusPendingManual)
}

// retryAfterFor scales a suggested backoff to the size of the offending
// backlog, capped at maxManualRetryAfter (§4.F: "retryAfterMs proportional
// to backlog, capped at 5 minutes"; §8 scenario 3: 10 PENDING_MANUAL ->
// min(10*30000, 300000) = 300000).
func retryAfterFor(backlog int) int64 {
	d := time.Duration(backlog) * 30 * time.Second
	if d > maxManualRetryAfter {
		d = maxManualRetryAfter
	}
	return d.Milliseconds()
}

// TriggerAdapterCycle implements the adapter-level "Run Now" trigger
// (§4.F): refuses a busy, disabled/paused, or target-empty adapter; on
// acceptance it creates the ScrapeCycle row and claims it on the adapter.
func (s *Service) TriggerAdapterCycle(ctx context.Context, adapterID string) (*entity.ScrapeCycle, error) {
	return s.createCycle(ctx, adapterID, entity.FeedTriggerManual)
}

// TriggerScheduledCycle is createCycle's counterpart for the scheduler's
// adapter-cycle tick (§4.G): same eligibility/claim rules as "Run Now", but
// stamps the cycle SCHEDULED rather than MANUAL.
func (s *Service) TriggerScheduledCycle(ctx context.Context, adapterID string) (*entity.ScrapeCycle, error) {
	return s.createCycle(ctx, adapterID, entity.FeedTriggerScheduled)
}

func (s *Service) createCycle(ctx context.Context, adapterID string, trigger entity.FeedTrigger) (*entity.ScrapeCycle, error) {
	adapter, err := s.AdapterRepo.Get(ctx, adapterID)
	if err != nil {
		return nil, fmt.Errorf("load adapter: %w", err)
	}
	if !adapter.Runnable() {
		if adapter.CurrentCycleID != nil {
			return nil, ErrCycleAlreadyRunning
		}
		return nil, ErrAdapterNotRunnable
	}

	eligible, err := s.countEligibleTargets(ctx, adapter)
	if err != nil {
		return nil, fmt.Errorf("count eligible targets: %w", err)
	}
	if eligible == 0 {
		return nil, ErrNoEligibleTargets
	}

	now := s.clock()
	cycle := &entity.ScrapeCycle{
		ID:           runid.New(),
		AdapterID:    adapterID,
		Trigger:      trigger,
		Status:       entity.CycleStatusRunning,
		TotalTargets: eligible,
		StartedAt:    now,
	}
	if err := s.CycleRepo.Create(ctx, cycle); err != nil {
		return nil, fmt.Errorf("create cycle: %w", err)
	}
	claimed, err := s.AdapterRepo.ClaimCycle(ctx, adapterID, cycle.ID, now)
	if err != nil {
		return nil, fmt.Errorf("claim cycle on adapter: %w", err)
	}
	if !claimed {
		return nil, ErrCycleAlreadyRunning
	}
	return cycle, nil
}

// countEligibleTargets pages through the adapter's targets counting how
// many currently satisfy ScrapeTarget.EligibleFor, for the "Run Now" guard.
// A full paginated count is acceptable here since this runs once per
// manual trigger rather than per dispatch round.
func (s *Service) countEligibleTargets(ctx context.Context, adapter *entity.ScrapeAdapter) (int, error) {
	count := 0
	const pageSize = 200
	for offset := 0; ; offset += pageSize {
		page, err := s.TargetRepo.List(ctx, adapter.ID, pageSize, offset)
		if err != nil {
			return 0, err
		}
		for _, t := range page {
			source, err := s.SourceRepo.Get(ctx, t.SourceID)
			if err != nil {
				continue
			}
			if t.EligibleFor(source, adapter) {
				count++
			}
		}
		if len(page) < pageSize {
			return count, nil
		}
	}
}

// Run executes one scrape_cycle job to completion: it holds the adapter
// lock for the cycle's lifetime, dispatches batches until the cycle is
// Done() or cycleTimeoutMinutes elapses, and finalizes.
func (s *Service) Run(ctx context.Context, job *queue.Job) error {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return entity.NewInvariantViolation("BAD_JOB_PAYLOAD", fmt.Sprintf("decode scrape_cycle payload: %v", err))
	}

	traceID := runid.New()
	logger := logging.Envelope{
		TraceID:     traceID,
		ExecutionID: job.ID,
		Stage:       "scrape_cycle",
		Step:        "run",
		Attempt:     job.Attempt,
		ItemKey:     payload.CycleID,
	}.With(slog.Default().With(
		slog.String("cycle_id", payload.CycleID),
		slog.String("adapter_id", payload.AdapterID),
	))

	cycle, err := s.CycleRepo.Get(ctx, payload.CycleID)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			logger.Warn("cycle not found, discarding job")
			return nil
		}
		return entity.NewTransientNetworkError("CYCLE_LOOKUP_FAILED", "load cycle", err)
	}
	if cycle.Status != entity.CycleStatusRunning {
		logger.Info("cycle already terminal, discarding job", slog.String("status", string(cycle.Status)))
		return nil
	}

	adapter, err := s.AdapterRepo.Get(ctx, cycle.AdapterID)
	if err != nil {
		return entity.NewTransientNetworkError("ADAPTER_LOOKUP_FAILED", "load adapter", err)
	}

	lockName := fmt.Sprintf("adapter:%s", adapter.ID)
	l, acquired, err := s.Locks.TryAcquire(ctx, lockName, lockTTL)
	if err != nil {
		return entity.NewTransientNetworkError("LOCK_ACQUIRE_FAILED", "acquire adapter lock", err)
	}
	if !acquired {
		logger.Info("adapter lock already held, skipping attempt")
		metrics.RecordLockContention(lockName)
		return entity.ErrLockContention
	}

	renewCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go s.renewLock(renewCtx, l, renewDone)
	defer func() {
		stopRenew()
		<-renewDone
		if relErr := l.Release(context.WithoutCancel(ctx)); relErr != nil {
			logger.Warn("failed to release adapter lock", slog.Any("error", relErr))
		}
	}()

	start := s.clock()
	timeout := time.Duration(adapter.CycleTimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = defaultCycleTimeout
	}
	deadline := start.Add(timeout)

	for !cycle.Done() && s.clock().Before(deadline) {
		batch, err := s.TargetRepo.EligibleForCycle(ctx, adapter.ID, cycle.LastProcessedTargetID, targetBatchSize)
		if err != nil {
			return entity.NewTransientNetworkError("BATCH_LOOKUP_FAILED", "load next target batch", err)
		}
		if len(batch) == 0 {
			break
		}
		if err := s.dispatchBatch(ctx, logger, traceID, adapter, cycle, batch); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return entity.NewTransientNetworkError("CYCLE_CONTEXT_CANCELED", "cycle context canceled mid-batch", err)
			}
			logger.Warn("batch dispatch returned an error, continuing to next batch", slog.Any("error", err))
		}
	}

	metrics.RecordScrapeCycle(adapter.ID, s.clock().Sub(start))
	return s.finalize(ctx, logger, adapter, cycle)
}

func (s *Service) renewLock(ctx context.Context, l AdapterLock, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(lockTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Renew(ctx, lockTTL); err != nil {
				slog.Default().Warn("adapter lock renewal failed", slog.Any("error", err))
			}
		}
	}
}

// dispatchBatch fetches one batch of targets concurrently, bounded by
// targetConcurrency and gated per-domain by RateLimit, following the
// errgroup+semaphore fan-out the affiliate crawler uses for its own item
// processing.
func (s *Service) dispatchBatch(ctx context.Context, logger *slog.Logger, traceID string, adapter *entity.ScrapeAdapter, cycle *entity.ScrapeCycle, batch []*entity.ScrapeTarget) error {
	sem := make(chan struct{}, targetConcurrency)
	eg, egCtx := errgroup.WithContext(ctx)

	var completed, failed, skipped, extracted, valid int64

	for _, t := range batch {
		target := t
		eg.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			outcome := s.processTarget(egCtx, logger, traceID, adapter, target)
			switch outcome {
			case targetOutcomeSuccess:
				atomic.AddInt64(&completed, 1)
				atomic.AddInt64(&extracted, 1)
				atomic.AddInt64(&valid, 1)
				metrics.RecordScrapeTargetOutcome(adapter.ID, "success")
			case targetOutcomeNoOffer:
				atomic.AddInt64(&completed, 1)
				atomic.AddInt64(&extracted, 1)
				metrics.RecordScrapeTargetOutcome(adapter.ID, "success")
			case targetOutcomeFailed:
				atomic.AddInt64(&failed, 1)
				metrics.RecordScrapeTargetOutcome(adapter.ID, "failed")
			case targetOutcomeSkipped:
				atomic.AddInt64(&skipped, 1)
				metrics.RecordScrapeTargetOutcome(adapter.ID, "skipped")
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}

	dCompleted := int(atomic.LoadInt64(&completed))
	dFailed := int(atomic.LoadInt64(&failed))
	dSkipped := int(atomic.LoadInt64(&skipped))
	dExtracted := int(atomic.LoadInt64(&extracted))
	dValid := int(atomic.LoadInt64(&valid))
	// batch arrives pre-ordered by (status ASC, priority DESC, createdAt
	// DESC); its last element is the correct resumption cursor regardless
	// of which goroutine finishes last.
	lastProcessedID := batch[len(batch)-1].ID

	// Mirror the delta onto the in-memory cycle so the dispatch loop's
	// Done()/LastProcessedTargetID checks see this batch's progress without
	// a round-trip read back from CycleRepo.
	cycle.TargetsCompleted += dCompleted
	cycle.TargetsFailed += dFailed
	cycle.TargetsSkipped += dSkipped
	cycle.OffersExtracted += dExtracted
	cycle.OffersValid += dValid
	cycle.LastProcessedTargetID = lastProcessedID

	return s.CycleRepo.IncrementCounters(ctx, cycle.ID, dCompleted, dFailed, dSkipped, dExtracted, dValid, lastProcessedID)
}

type targetOutcome int

const (
	targetOutcomeSuccess targetOutcome = iota
	targetOutcomeNoOffer
	targetOutcomeFailed
	targetOutcomeSkipped
)

// processTarget fetches, extracts, and upserts one target's offer. A
// rate-limit denial or an eligibility change discovered mid-cycle is a
// skip, not a failure, so it doesn't count against the adapter's failure
// rate (§4.F finalization is driven by real fetch failures).
func (s *Service) processTarget(ctx context.Context, logger *slog.Logger, traceID string, adapter *entity.ScrapeAdapter, target *entity.ScrapeTarget) targetOutcome {
	if s.ItemSampler != nil && s.ItemSampler.ShouldLog(traceID, target.ID) {
		logger.Debug("processing target", slog.String("target_id", target.ID), slog.String("url", target.URL))
	}

	source, err := s.SourceRepo.Get(ctx, target.SourceID)
	if err != nil || !target.EligibleFor(source, adapter) {
		return targetOutcomeSkipped
	}

	if s.RateLimit != nil {
		decision, err := s.RateLimit.Allow(ctx, target.URL)
		if err == nil && decision != nil && !decision.Allowed {
			return targetOutcomeSkipped
		}
	}

	now := s.clock()
	result, err := s.Extract.Extract(ctx, target)
	if err != nil {
		if recErr := s.TargetRepo.RecordOutcome(ctx, target.ID, false, now); recErr != nil {
			logger.Warn("failed to record target failure outcome", slog.String("target_id", target.ID), slog.Any("error", recErr))
		}
		if setErr := s.TargetRepo.SetLastStatus(ctx, target.ID, entity.TargetLastStatusFailed); setErr != nil {
			logger.Warn("failed to set target last status", slog.String("target_id", target.ID), slog.Any("error", setErr))
		}
		return targetOutcomeFailed
	}

	if recErr := s.TargetRepo.RecordOutcome(ctx, target.ID, true, now); recErr != nil {
		logger.Warn("failed to record target success outcome", slog.String("target_id", target.ID), slog.Any("error", recErr))
	}
	if setErr := s.TargetRepo.SetLastStatus(ctx, target.ID, entity.TargetLastStatusSuccess); setErr != nil {
		logger.Warn("failed to set target last status", slog.String("target_id", target.ID), slog.Any("error", setErr))
	}

	if !result.Found {
		return targetOutcomeNoOffer
	}

	product := result.Product
	product.Active = true
	saved, err := s.ProductRepo.Upsert(ctx, &product)
	if err != nil {
		logger.Warn("failed to upsert scraped product", slog.String("target_id", target.ID), slog.Any("error", err))
		return targetOutcomeNoOffer
	}

	price := &entity.Price{
		ProductID:        saved.ID,
		RetailerID:       target.SourceID,
		URL:              target.URL,
		Price:            result.Price,
		InStock:          result.InStock,
		ObservedAt:       now,
		IngestionRunType: "SCRAPE",
	}
	mostRecent, _ := s.PriceRepo.MostRecent(ctx, saved.ID, target.SourceID)
	if price.SameObservation(mostRecent) {
		return targetOutcomeSuccess
	}
	if err := s.PriceRepo.Insert(ctx, price); err != nil {
		logger.Warn("failed to insert scraped price", slog.String("target_id", target.ID), slog.Any("error", err))
		return targetOutcomeNoOffer
	}
	metrics.RecordProductsUpserted("SCRAPE", 1)
	metrics.RecordPricesWritten("SCRAPE", 1)
	return targetOutcomeSuccess
}

// finalize implements §4.F cycle finalization: SUCCEEDED unless the
// observed failure rate exceeds the adapter's rolling baseline, in which
// case the cycle is FAILED and the adapter's consecutiveFailedBatches
// increments toward auto-disable.
func (s *Service) finalize(ctx context.Context, logger *slog.Logger, adapter *entity.ScrapeAdapter, cycle *entity.ScrapeCycle) error {
	now := s.clock()
	cycle.FinishedAt = &now

	failureRate := cycle.FailureRate()
	driftedPastBaseline := adapter.Baseline.SampleSize > 0 && failureRate > adapter.Baseline.FailureRate+0.10

	if driftedPastBaseline {
		cycle.Status = entity.CycleStatusFailed
	} else {
		cycle.Status = entity.CycleStatusSucceeded
	}

	if err := s.CycleRepo.Update(ctx, cycle); err != nil {
		logger.Error("failed to persist finalized cycle", slog.Any("error", err))
		return entity.NewTransientNetworkError("CYCLE_UPDATE_FAILED", "persist finalized cycle", err)
	}
	if err := s.AdapterRepo.ClearCycle(ctx, adapter.ID); err != nil {
		logger.Warn("failed to clear adapter current cycle", slog.Any("error", err))
	}

	if cycle.Status == entity.CycleStatusFailed {
		updated, err := s.AdapterRepo.IncrementConsecutiveFailedBatches(ctx, adapter.ID)
		if err != nil {
			logger.Warn("failed to increment consecutive failed batches", slog.Any("error", err))
			return nil
		}
		if updated.ShouldAutoDisable() {
			if err := s.AdapterRepo.Disable(ctx, adapter.ID, entity.AdapterDisabledAutoDisabled); err != nil {
				logger.Warn("failed to auto-disable adapter", slog.Any("error", err))
				return nil
			}
			s.dispatch(ctx, logger, &entity.Notification{
				Title:      "Scrape adapter auto-disabled",
				Body:       fmt.Sprintf("Adapter %s auto-disabled after %d consecutive failed cycles (failure rate %.1f%% vs baseline %.1f%%).", adapter.ID, updated.ConsecutiveFailedBatches, failureRate*100, adapter.Baseline.FailureRate*100),
				Source:     fmt.Sprintf("adapter:%s", adapter.ID),
				Severity:   entity.NotificationAlert,
				OccurredAt: now,
			})
		}
		return nil
	}

	if err := s.AdapterRepo.ResetConsecutiveFailedBatches(ctx, adapter.ID); err != nil {
		logger.Warn("failed to reset consecutive failed batches", slog.Any("error", err))
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, logger *slog.Logger, n *entity.Notification) {
	if s.Notify == nil {
		return
	}
	if err := s.Notify.Notify(ctx, n); err != nil {
		logger.Warn("notification dispatch failed", slog.String("title", n.Title), slog.Any("error", err))
	}
}
