// Package feedworker executes one AffiliateFeedRun for a given
// (feedId, trigger), per spec.md §4.E: job intake, eligibility, orphan
// recovery, download→parse→process, circuit-breaker→promote, and
// finalization with auto-disable/recovery/data-quality notifications.
package feedworker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"priceintel/internal/domain/entity"
	"priceintel/internal/domain/runid"
	"priceintel/internal/infra/fetcher"
	"priceintel/internal/infra/lock"
	"priceintel/internal/infra/parser"
	"priceintel/internal/infra/queue"
	"priceintel/internal/observability/logging"
	"priceintel/internal/observability/metrics"
	"priceintel/internal/repository"
	"priceintel/internal/resilience/circuitbreaker"
	"priceintel/internal/usecase/notify"
)

// DataQualityMissingBrandThresholdPercent is the default crossing-edge
// threshold for the missing-brand data-quality alert (§4.E).
const DataQualityMissingBrandThresholdPercent = 10

// lockTTL is the advisory lock duration for one feed run; renewed on a
// ticker for the lifetime of the run (§4.B: "long-running workers MUST
// periodically renew").
const lockTTL = 5 * time.Minute

// orphanRecoveryWindow is how recently a RUNNING run must have started to
// be eligible for reuse instead of creating a duplicate (§4.E).
const orphanRecoveryWindow = 10 * time.Minute

// JobPayload is the feed_run queue.Job's decoded payload. RunID is empty on
// a job's first attempt and persisted back into the payload once the
// job-intake invariant establishes the run, so retries reuse it.
type JobPayload struct {
	FeedID  int64              `json:"feedId"`
	Trigger entity.FeedTrigger `json:"trigger"`
	RunID   string             `json:"runId,omitempty"`
}

// EndpointResolver resolves an AffiliateFeed's download endpoint and
// transport credentials. Neither entity.AffiliateFeed nor entity.Source
// carries this data directly (they record transport kind and source
// linkage only), so callers supply a resolver backed by wherever
// endpoint/secret configuration actually lives (system settings, a secrets
// manager, or per-deployment config).
type EndpointResolver interface {
	Resolve(ctx context.Context, feed *entity.AffiliateFeed, source *entity.Source) (endpoint string, creds fetcher.Credentials, err error)
}

// FeedLock is a held advisory lock, satisfied by *lock.Lock.
type FeedLock interface {
	Renew(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker is the subset of lock.Service's API the worker depends on. The
// interface (rather than *lock.Service directly) exists so tests can
// double it without a live Redis instance; NewLockAdapter wraps a real
// *lock.Service for production wiring.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (FeedLock, bool, error)
}

// Service executes Affiliate Feed Worker runs.
type Service struct {
	FeedRepo     repository.FeedRepository
	RunRepo      repository.FeedRunRepository
	SourceRepo   repository.SourceRepository
	AdapterRepo  repository.AdapterRepository
	ProductRepo  repository.ProductRepository
	PriceRepo    repository.PriceRepository
	SettingsRepo repository.SystemSettingsRepository
	Locks        Locker
	Resolver     EndpointResolver
	Notify       notify.Service
	Gate         circuitbreaker.FeedPromotionGate

	DownloadConfig fetcher.FeedDownloadConfig

	// DataQualityThresholdPercent overrides DataQualityMissingBrandThresholdPercent when non-zero.
	DataQualityThresholdPercent int

	// DownloaderFactory constructs a Downloader for a feed's transport;
	// defaults to fetcher.NewDownloaderForTransport. Overridable so tests
	// can exercise the pipeline without a live HTTP/SFTP endpoint.
	DownloaderFactory func(transport entity.FeedTransport, cfg fetcher.FeedDownloadConfig) (fetcher.Downloader, error)

	now func() time.Time
}

// NewService constructs a feedworker Service with production defaults.
func NewService(
	feedRepo repository.FeedRepository,
	runRepo repository.FeedRunRepository,
	sourceRepo repository.SourceRepository,
	adapterRepo repository.AdapterRepository,
	productRepo repository.ProductRepository,
	priceRepo repository.PriceRepository,
	settingsRepo repository.SystemSettingsRepository,
	locks Locker,
	resolver EndpointResolver,
	notifySvc notify.Service,
) *Service {
	return &Service{
		FeedRepo:       feedRepo,
		RunRepo:        runRepo,
		SourceRepo:     sourceRepo,
		AdapterRepo:    adapterRepo,
		ProductRepo:    productRepo,
		PriceRepo:      priceRepo,
		SettingsRepo:   settingsRepo,
		Locks:          locks,
		Resolver:       resolver,
		Notify:         notifySvc,
		Gate:              circuitbreaker.FeedPromotionGate{},
		DownloadConfig:    fetcher.DefaultConfig(),
		DownloaderFactory: fetcher.NewDownloaderForTransport,
		now:               time.Now,
	}
}

func (s *Service) downloaderFactory() func(entity.FeedTransport, fetcher.FeedDownloadConfig) (fetcher.Downloader, error) {
	if s.DownloaderFactory != nil {
		return s.DownloaderFactory
	}
	return fetcher.NewDownloaderForTransport
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Run executes one feed_run job to completion. It mutates job.Payload in
// place once the job-intake invariant establishes a runId, so a caller that
// retries the job (queue.Queue.Retry) carries the runId forward and the
// retried attempt reuses the same run instead of creating a duplicate.
//
// A non-nil error distinguishes retryable (entity.IsRetryablePipelineError)
// from permanent failures; callers discard the job on a permanent failure
// or entity.ErrLockContention, and re-enqueue with backoff otherwise.
func (s *Service) Run(ctx context.Context, job *queue.Job) error {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return entity.NewInvariantViolation("BAD_JOB_PAYLOAD", fmt.Sprintf("decode feed_run payload: %v", err))
	}

	logger := logging.Envelope{
		TraceID:     runid.New(),
		ExecutionID: job.ID,
		Stage:       "feed_run",
		Step:        "run",
		Attempt:     job.Attempt,
		ItemKey:     fmt.Sprintf("feed-%d", payload.FeedID),
	}.With(slog.Default().With(
		slog.Int64("feed_id", payload.FeedID),
		slog.String("trigger", string(payload.Trigger)),
	))

	feed, err := s.FeedRepo.Get(ctx, payload.FeedID)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			logger.Warn("feed not found, discarding job")
			return nil
		}
		return entity.NewTransientNetworkError("FEED_LOOKUP_FAILED", "load feed", err)
	}

	lockName := fmt.Sprintf("feed:%d", feed.ID)
	l, acquired, err := s.Locks.TryAcquire(ctx, lockName, lockTTL)
	if err != nil {
		return entity.NewTransientNetworkError("LOCK_ACQUIRE_FAILED", "acquire feed lock", err)
	}
	if !acquired {
		logger.Info("feed lock already held, skipping attempt")
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
			logger.Warn("failed to release feed lock", slog.Any("error", relErr))
		}
	}()

	run, err := s.establishRun(ctx, feed, payload.Trigger, payload.RunID)
	if err != nil {
		return err
	}
	if run.ID != payload.RunID {
		payload.RunID = run.ID
		b, mErr := json.Marshal(payload)
		if mErr == nil {
			job.Payload = b
		}
	}
	logger = logger.With(slog.String("run_id", run.ID))

	start := s.clock()
	outcome := s.execute(ctx, logger, feed, run)
	metrics.RecordFeedRun(feed.ID, string(outcomeLabel(outcome)), s.clock().Sub(start))
	return outcome.err
}

// renewLock periodically extends the feed lock for the lifetime of a run.
func (s *Service) renewLock(ctx context.Context, l FeedLock, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(lockTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Renew(ctx, lockTTL); err != nil && !errors.Is(err, lock.ErrNotHeld) {
				slog.Default().Warn("feed lock renewal failed", slog.Any("error", err))
			}
		}
	}
}

// runOutcome threads the terminal status through to the metrics label
// without re-deriving it from run.Status (which execute already wrote).
type runOutcome struct {
	status  entity.FeedRunStatus
	skipped bool
	err     error
}

func outcomeLabel(o runOutcome) string {
	switch {
	case o.err != nil:
		return "failed"
	case o.skipped:
		return "skipped"
	default:
		return "succeeded"
	}
}

// establishRun implements the job-intake invariant (§4.E): on first attempt,
// orphan recovery then run creation must happen while the feed lock is
// held, before any throwable I/O; on retry, the existing run is reused.
func (s *Service) establishRun(ctx context.Context, feed *entity.AffiliateFeed, trigger entity.FeedTrigger, existingRunID string) (*entity.AffiliateFeedRun, error) {
	if existingRunID != "" {
		run, err := s.RunRepo.Get(ctx, existingRunID)
		if err != nil {
			return nil, entity.NewTransientNetworkError("RUN_LOOKUP_FAILED", "load existing run", err)
		}
		if !run.IsRunning() {
			return nil, entity.NewInvariantViolation("RUN_NOT_RUNNING_ON_RETRY", fmt.Sprintf("run %s is %s, expected RUNNING", run.ID, run.Status))
		}
		return run, nil
	}

	if trigger == entity.FeedTriggerManualPending {
		// Best-effort: clear the admin-set flag now that intake has begun.
		// CAS on updatedAt means a racing flag-set from a second admin
		// click is never silently dropped (§4.G) — it just survives to
		// the next scheduler tick instead.
		if _, err := s.FeedRepo.ClearManualRunPending(ctx, feed.ID, feed.UpdatedAt); err != nil {
			slog.Default().Warn("clear manual run pending failed", slog.Int64("feedId", feed.ID), slog.Any("error", err))
		}
	}

	since := s.clock().Add(-orphanRecoveryWindow)
	if orphan, err := s.RunRepo.FindRecentRunning(ctx, feed.ID, trigger, since); err == nil && orphan != nil {
		if runid.Conforms(orphan.ID) && orphan.RecentEnoughForOrphanRecovery(s.clock()) {
			return orphan, nil
		}
	} else if err != nil && !errors.Is(err, entity.ErrNotFound) {
		return nil, entity.NewTransientNetworkError("ORPHAN_LOOKUP_FAILED", "find recent running run", err)
	}

	now := s.clock()
	run := &entity.AffiliateFeedRun{
		ID:            runid.New(),
		FeedID:        feed.ID,
		SourceID:      feed.SourceID,
		Trigger:       trigger,
		Status:        entity.FeedRunStatusRunning,
		StartedAt:     now,
		RunObservedAt: now,
	}
	if err := s.RunRepo.Create(ctx, run); err != nil {
		return nil, entity.NewTransientNetworkError("RUN_CREATE_FAILED", "create run", err)
	}
	return run, nil
}

// execute runs eligibility, phase 1, phase 2, and finalization in sequence
// (§5: "within a feed run, phases execute strictly in sequence").
func (s *Service) execute(ctx context.Context, logger *slog.Logger, feed *entity.AffiliateFeed, run *entity.AffiliateFeedRun) runOutcome {
	source, err := s.SourceRepo.Get(ctx, feed.SourceID)
	if err != nil {
		return s.fail(ctx, logger, feed, run, entity.NewTransientNetworkError("SOURCE_LOOKUP_FAILED", "load source", err))
	}

	if skipReason, skip, err := s.checkEligibility(ctx, feed, source, run.Trigger); err != nil {
		return s.fail(ctx, logger, feed, run, err)
	} else if skip {
		return s.finalizeSkip(ctx, logger, feed, run, skipReason)
	}

	dl, err := s.downloadAndDetectChange(ctx, feed, source)
	if err != nil {
		return s.fail(ctx, logger, feed, run, err)
	}
	if dl.Skipped {
		if err := s.carryForwardSeenRows(ctx, feed, run); err != nil {
			logger.Warn("failed to carry forward seen rows on unchanged skip", slog.Any("error", err))
		}
		return s.finalizeSkip(ctx, logger, feed, run, string(dl.SkippedReason))
	}
	defer dl.Body.Close()

	result, parseErr := s.parseBody(feed, dl.Body)
	if parseErr != nil {
		return s.fail(ctx, logger, feed, run, parseErr)
	}
	run.Metrics.RowsRead = result.TotalRowCount
	run.Metrics.RowsParsed = len(result.Rows)
	run.Metrics.DownloadBytes = dl.Memo.Size
	if len(result.Errors) > 0 {
		persisted := make([]string, len(result.Errors))
		for i, e := range result.Errors {
			persisted[i] = fmt.Sprintf("row %d: %s", e.Index, e.Message)
		}
		if err := s.RunRepo.RecordRowErrors(ctx, run.ID, persisted); err != nil {
			logger.Warn("failed to persist parse errors", slog.Any("error", err))
		}
	}

	if processErr := s.processRows(ctx, feed, run, result.Rows); processErr != nil {
		return s.fail(ctx, logger, feed, run, processErr)
	}

	gateResult := s.evaluateCircuitBreaker(ctx, feed, run, logger)
	if gateResult.Tripped {
		run.ExpiryBlocked = true
		run.ExpiryBlockedReason = gateResult.Reason
		metrics.RecordCircuitBreakerTrip(feed.ID, gateResult.Reason)
	} else {
		if err := s.promote(ctx, feed, run); err != nil {
			return s.fail(ctx, logger, feed, run, entity.NewTransientNetworkError("PROMOTE_FAILED", "promote products", err))
		}
	}

	return s.finalizeSuccess(ctx, logger, feed, run, dl.Memo)
}

// checkEligibility applies §4.E's ordered eligibility checks. feed-not-found
// is handled by the caller before a run exists; everything here runs with
// the run already RUNNING, so a failure is recorded as a skip rather than
// silently discarded.
func (s *Service) checkEligibility(ctx context.Context, feed *entity.AffiliateFeed, source *entity.Source, trigger entity.FeedTrigger) (reason string, skip bool, err error) {
	if feed.Status == entity.FeedStatusDraft {
		return "FEED_DRAFT", true, nil
	}
	if feed.Status == entity.FeedStatusDisabled {
		if trigger != entity.FeedTriggerManual && trigger != entity.FeedTriggerAdminTest {
			return "FEED_DISABLED", true, nil
		}
	}
	if source.AdapterID != "" {
		adapter, err := s.AdapterRepo.Get(ctx, source.AdapterID)
		if err != nil {
			if errors.Is(err, entity.ErrNotFound) {
				return "", false, nil
			}
			return "", false, entity.NewTransientNetworkError("ADAPTER_LOOKUP_FAILED", "load adapter", err)
		}
		if !adapter.Enabled {
			return "ADAPTER_DISABLED", true, nil
		}
		if adapter.IngestionPaused {
			return "INGESTION_PAUSED", true, nil
		}
	}
	return "", false, nil
}

// downloadAndDetectChange runs phase 1 step 1: resolve the endpoint, pick
// the transport downloader, and stream or skip per change detection.
func (s *Service) downloadAndDetectChange(ctx context.Context, feed *entity.AffiliateFeed, source *entity.Source) (*fetcher.DownloadResult, error) {
	endpoint, creds, err := s.Resolver.Resolve(ctx, feed, source)
	if err != nil {
		return nil, entity.NewPermanentNetworkError("ENDPOINT_RESOLVE_FAILED", "resolve feed endpoint", err)
	}

	downloader, err := s.downloaderFactory()(feed.Transport, s.DownloadConfig)
	if err != nil {
		return nil, entity.NewInvariantViolation("UNSUPPORTED_TRANSPORT", err.Error())
	}

	result, err := downloader.Download(ctx, feed, endpoint, creds)
	if err != nil {
		return nil, classifyDownloadError(err)
	}
	return result, nil
}

// classifyDownloadError maps a fetcher sentinel error into the §7 retry
// taxonomy: network/DNS/timeout/5xx is transient, everything else
// (auth, not-found, malformed URL) is permanent.
func classifyDownloadError(err error) error {
	switch {
	case errors.Is(err, fetcher.ErrTimeout):
		return entity.NewTransientNetworkError("DOWNLOAD_TIMEOUT", "download timed out", err)
	case errors.Is(err, fetcher.ErrAuthFailed):
		return entity.NewPermanentNetworkError("AUTH_FAILED", "transport authentication failed", err)
	case errors.Is(err, fetcher.ErrFileNotFound):
		return entity.NewPermanentNetworkError("FILE_NOT_FOUND", "remote file not found", err)
	case errors.Is(err, fetcher.ErrInvalidURL), errors.Is(err, fetcher.ErrPrivateIP):
		return entity.NewPermanentNetworkError("INVALID_ENDPOINT", "endpoint rejected", err)
	case errors.Is(err, fetcher.ErrBodyTooLarge), errors.Is(err, fetcher.ErrTooManyRedirects):
		return entity.NewPermanentNetworkError("DOWNLOAD_REJECTED", "download exceeded configured limits", err)
	default:
		return entity.NewTransientNetworkError("DOWNLOAD_FAILED", "download failed", err)
	}
}

// carryForwardSeenRows implements §4.E step 1's UNCHANGED requirement: copy
// the prior SUCCEEDED run's observed-product bookkeeping into the current
// run so the circuit breaker's activeCountBefore/seenSuccessCount stay
// correct across a skip.
func (s *Service) carryForwardSeenRows(ctx context.Context, feed *entity.AffiliateFeed, run *entity.AffiliateFeedRun) error {
	prior, err := s.RunRepo.MostRecentSucceeded(ctx, feed.ID)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return nil
		}
		return err
	}
	run.Metrics.SeenSuccessCount = prior.Metrics.SeenSuccessCount
	run.Metrics.ProductsUpserted = prior.Metrics.ProductsUpserted
	return nil
}

// parseBody selects the format parser and enforces maxRowCount.
func (s *Service) parseBody(feed *entity.AffiliateFeed, body io.Reader) (*parser.Result, error) {
	p, err := parser.ForFormat(feed.Format)
	if err != nil {
		return nil, entity.NewInvariantViolation("UNSUPPORTED_FORMAT", err.Error())
	}
	result, err := p.Parse(body, feed.MaxRowCount)
	if err != nil {
		if errors.Is(err, parser.ErrMaxRowCountExceeded) {
			return nil, entity.NewParseError("MAX_ROW_COUNT_EXCEEDED", fmt.Sprintf("row count %d exceeds max %d", result.TotalRowCount, feed.MaxRowCount), err)
		}
		return nil, entity.NewParseError("PARSE_FAILED", "parse feed payload", err)
	}
	return result, nil
}

// processRows implements phase 1 step 3: normalize, dedup within the batch
// by sourceProductId, and upsert each row's Product and (if changed) Price.
func (s *Service) processRows(ctx context.Context, feed *entity.AffiliateFeed, run *entity.AffiliateFeedRun, rows []parser.Row) error {
	seen := make(map[string]bool, len(rows))
	var missingBrand int

	for _, row := range rows {
		key, usedURLHashFallback := dedupKey(row)
		if seen[key] {
			run.Metrics.DuplicateKeyCount++
			continue
		}
		seen[key] = true
		if usedURLHashFallback {
			run.Metrics.URLHashFallbackCount++
		}

		if row.Brand == "" {
			missingBrand++
		}

		product := &entity.Product{
			SourceProductID: row.SourceProductID,
			IdentityKey:     row.IdentityKey,
			SKU:             row.SKU,
			UPC:             row.UPC,
			Brand:           row.Brand,
			Caliber:         row.Caliber,
			Title:           row.Title,
			Active:          true,
		}
		saved, err := s.ProductRepo.Upsert(ctx, product)
		if err != nil {
			run.Metrics.ProductsRejected++
			continue
		}
		run.Metrics.ProductsUpserted++

		priceVal, priceErr := row.Price()
		if priceErr != nil {
			continue
		}
		price := &entity.Price{
			ProductID:        saved.ID,
			RetailerID:       feed.SourceID,
			URL:              row.URL,
			Price:            priceVal,
			InStock:          row.InStock(),
			ObservedAt:       run.RunObservedAt,
			IngestionRunType: "AFFILIATE_FEED",
			IngestionRunID:   run.ID,
		}
		mostRecent, _ := s.PriceRepo.MostRecent(ctx, saved.ID, feed.SourceID)
		if price.SameObservation(mostRecent) {
			continue
		}
		if err := s.PriceRepo.Insert(ctx, price); err != nil {
			run.Metrics.ProductsRejected++
			continue
		}
		run.Metrics.PricesWritten++
	}

	if run.Metrics.RowsParsed > 0 && run.Metrics.ProductsUpserted == 0 {
		return entity.NewProcessingError(run.Metrics.RowsParsed, "no products upserted from a non-empty parse")
	}

	run.Metrics.MissingBrandCount = missingBrand
	metrics.RecordProductsUpserted("AFFILIATE_FEED", run.Metrics.ProductsUpserted)
	metrics.RecordPricesWritten("AFFILIATE_FEED", run.Metrics.PricesWritten)
	return nil
}

// dedupKey returns the row's dedup key (sourceProductId, falling back to a
// content hash of the URL) and whether the URL-hash fallback fired.
func dedupKey(row parser.Row) (key string, usedURLHashFallback bool) {
	if row.SourceProductID != "" {
		return row.SourceProductID, false
	}
	if row.IdentityKey != "" {
		return row.IdentityKey, false
	}
	sum := sha256.Sum256([]byte(row.URL))
	return hex.EncodeToString(sum[:]), true
}

// evaluateCircuitBreaker computes the phase-2 metrics and runs the
// promotion gate (§4.E phase 2).
func (s *Service) evaluateCircuitBreaker(ctx context.Context, feed *entity.AffiliateFeed, run *entity.AffiliateFeedRun, logger *slog.Logger) circuitbreaker.GateResult {
	activeBefore, err := s.ProductRepo.CountActiveForFeed(ctx, feed.ID)
	if err != nil {
		logger.Warn("failed to count active products before promotion", slog.Any("error", err))
	}
	run.Metrics.ActiveCountBefore = activeBefore
	run.Metrics.SeenSuccessCount = run.Metrics.ProductsUpserted
	// wouldExpireCount is an estimate here: the authoritative count comes
	// from ProductRepo.ExpireOlderThan's return value during promote, but
	// the gate must decide before any expiry is applied. Active products
	// not seen this run against the same expiryHours cutoff would expire.
	run.Metrics.WouldExpireCount = max(0, activeBefore-run.Metrics.SeenSuccessCount)

	bypass := s.bypassCircuitBreaker(ctx)
	result := s.Gate.Evaluate(run.Metrics, bypass)
	if bypass && result.Tripped {
		logger.Warn("circuit breaker bypass forced promotion despite a trip condition", slog.String("reason", result.Reason))
	}
	return result
}

func (s *Service) bypassCircuitBreaker(ctx context.Context) bool {
	if s.SettingsRepo == nil {
		return false
	}
	setting, err := s.SettingsRepo.Get(ctx, entity.SettingBypassCircuitBreaker)
	if err != nil {
		return false
	}
	return setting.Value == "true"
}

// promote marks this run's upserted products seen and expires active
// products for the feed that were not seen and have aged past expiryHours
// (§4.E phase 2, gate passed).
func (s *Service) promote(ctx context.Context, feed *entity.AffiliateFeed, run *entity.AffiliateFeedRun) error {
	cutoff := run.StartedAt.Add(-time.Duration(feed.ExpiryHours) * time.Hour)
	expired, err := s.ProductRepo.ExpireOlderThan(ctx, feed.ID, cutoff, nil)
	if err != nil {
		return fmt.Errorf("expire stale products: %w", err)
	}
	run.Metrics.WouldExpireCount = expired
	return nil
}

// finalizeSkip finalizes a run that terminated without processing rows,
// always as SUCCEEDED (§4.E).
func (s *Service) finalizeSkip(ctx context.Context, logger *slog.Logger, feed *entity.AffiliateFeed, run *entity.AffiliateFeedRun, reason string) runOutcome {
	run.SkippedReason = reason
	run.Status = entity.FeedRunStatusSucceeded
	now := s.clock()
	run.FinishedAt = &now
	if err := s.RunRepo.Update(ctx, run); err != nil {
		logger.Error("failed to persist skipped run", slog.Any("error", err))
		return runOutcome{err: entity.NewTransientNetworkError("RUN_UPDATE_FAILED", "persist skipped run", err)}
	}
	if _, err := s.FeedRepo.RecordOutcome(ctx, feed.ID, true, feed.LastRun); err != nil {
		logger.Warn("failed to record skip outcome on feed", slog.Any("error", err))
	}
	return runOutcome{status: run.Status, skipped: true}
}

// finalizeSuccess applies §4.E finalization for a SUCCEEDED run: reset
// consecutiveFailures, write the feed memo, dispatch recovery/data-quality
// notifications.
func (s *Service) finalizeSuccess(ctx context.Context, logger *slog.Logger, feed *entity.AffiliateFeed, run *entity.AffiliateFeedRun, memo entity.FeedMemo) runOutcome {
	run.Status = entity.FeedRunStatusSucceeded
	now := s.clock()
	run.FinishedAt = &now
	if err := s.RunRepo.Update(ctx, run); err != nil {
		logger.Error("failed to persist succeeded run", slog.Any("error", err))
		return runOutcome{err: entity.NewTransientNetworkError("RUN_UPDATE_FAILED", "persist succeeded run", err)}
	}

	wasFailing := feed.ConsecutiveFailures > 0
	if _, err := s.FeedRepo.RecordOutcome(ctx, feed.ID, true, memo); err != nil {
		logger.Warn("failed to record run outcome on feed", slog.Any("error", err))
	}

	if wasFailing {
		s.dispatch(ctx, logger, &entity.Notification{
			Title:      "Feed recovered",
			Body:       fmt.Sprintf("Feed %d succeeded after %d consecutive failures.", feed.ID, feed.ConsecutiveFailures),
			Source:     fmt.Sprintf("feed:%d", feed.ID),
			Severity:   entity.NotificationInfo,
			OccurredAt: now,
		})
	}

	s.maybeDispatchDataQualityAlert(ctx, logger, feed, run)

	return runOutcome{status: run.Status, skipped: false}
}

// maybeDispatchDataQualityAlert implements §4.E's data-quality alert: fires
// only on the crossing edge, i.e. this run is over threshold and the
// previous SUCCEEDED run was not.
func (s *Service) maybeDispatchDataQualityAlert(ctx context.Context, logger *slog.Logger, feed *entity.AffiliateFeed, run *entity.AffiliateFeedRun) {
	threshold := s.DataQualityThresholdPercent
	if threshold == 0 {
		threshold = DataQualityMissingBrandThresholdPercent
	}
	if run.Metrics.ProductsUpserted < 50 {
		return
	}
	ratio := float64(run.Metrics.MissingBrandCount) / float64(run.Metrics.ProductsUpserted) * 100
	if ratio < float64(threshold) {
		return
	}

	prior, err := s.RunRepo.MostRecentSucceeded(ctx, feed.ID)
	if err == nil && prior != nil && prior.Metrics.ProductsUpserted > 0 {
		priorRatio := float64(prior.Metrics.MissingBrandCount) / float64(prior.Metrics.ProductsUpserted) * 100
		if priorRatio >= float64(threshold) {
			return // already over threshold last run; not a crossing edge.
		}
	}

	s.dispatch(ctx, logger, &entity.Notification{
		Title:      "Feed data-quality warning",
		Body:       fmt.Sprintf("Feed %d: %.1f%% of %d upserted products are missing brand.", feed.ID, ratio, run.Metrics.ProductsUpserted),
		Source:     fmt.Sprintf("feed:%d", feed.ID),
		Severity:   entity.NotificationWarning,
		OccurredAt: s.clock(),
	})
}

// fail finalizes a run as FAILED, classifies the failure kind/code from
// pipelineErr, increments consecutiveFailures, and auto-disables the feed
// at the threshold (§4.E finalization).
func (s *Service) fail(ctx context.Context, logger *slog.Logger, feed *entity.AffiliateFeed, run *entity.AffiliateFeedRun, pipelineErr error) runOutcome {
	var pe *entity.PipelineError
	if !errors.As(pipelineErr, &pe) {
		pe = entity.NewTransientNetworkError("UNCLASSIFIED", pipelineErr.Error(), pipelineErr)
	}

	run.Status = entity.FeedRunStatusFailed
	run.FailureKind = pe.Kind
	run.FailureCode = pe.Code
	run.FailureMessage = pe.Message
	now := s.clock()
	run.FinishedAt = &now
	metrics.RecordFeedRunError(feed.ID, string(pe.Kind))

	if updErr := s.RunRepo.Update(ctx, run); updErr != nil {
		logger.Error("failed to persist failed run", slog.Any("error", updErr))
	}

	updatedFeed, err := s.FeedRepo.RecordOutcome(ctx, feed.ID, false, feed.LastRun)
	if err != nil {
		logger.Error("failed to record failure outcome on feed", slog.Any("error", err))
	} else if updatedFeed.Status == entity.FeedStatusDisabled && feed.Status != entity.FeedStatusDisabled {
		s.dispatch(ctx, logger, &entity.Notification{
			Title:      "Feed auto-disabled",
			Body:       fmt.Sprintf("Feed %d auto-disabled after %d consecutive failures (last: %s).", feed.ID, updatedFeed.ConsecutiveFailures, pe.Message),
			Source:     fmt.Sprintf("feed:%d", feed.ID),
			Severity:   entity.NotificationAlert,
			OccurredAt: now,
		})
	}

	return runOutcome{status: run.Status, err: pe}
}

func (s *Service) dispatch(ctx context.Context, logger *slog.Logger, n *entity.Notification) {
	if s.Notify == nil {
		return
	}
	if err := s.Notify.Notify(ctx, n); err != nil {
		logger.Warn("notification dispatch failed", slog.String("title", n.Title), slog.Any("error", err))
	}
}

