package feedworker_test

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"priceintel/internal/domain/entity"
	"priceintel/internal/infra/fetcher"
	"priceintel/internal/infra/queue"
	"priceintel/internal/repository"
	"priceintel/internal/usecase/feedworker"
	"priceintel/internal/usecase/notify"
)

/* ───────── stub repositories ───────── */

type stubFeedRepo struct {
	feed          *entity.AffiliateFeed
	getErr        error
	outcomeCalls  []bool
	recordOutcome func(succeeded bool, memo entity.FeedMemo, f *entity.AffiliateFeed) (*entity.AffiliateFeed, error)
}

func (r *stubFeedRepo) Get(_ context.Context, id int64) (*entity.AffiliateFeed, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	// Return a copy: a real repository round-trips through the database, so
	// the caller's feed and the repository's stored state are never the
	// same object (RecordOutcome's auto-disable check below relies on this).
	cp := *r.feed
	return &cp, nil
}
func (r *stubFeedRepo) List(context.Context) ([]*entity.AffiliateFeed, error) { return nil, nil }
func (r *stubFeedRepo) Create(context.Context, *entity.AffiliateFeed) (*entity.AffiliateFeed, error) {
	return nil, nil
}
func (r *stubFeedRepo) DueForSchedule(context.Context, time.Time) ([]*entity.AffiliateFeed, error) {
	return nil, nil
}
func (r *stubFeedRepo) ClaimNextRun(context.Context, int64, time.Time, *time.Time) (bool, error) {
	return false, nil
}
func (r *stubFeedRepo) ClearManualRunPending(context.Context, int64, time.Time) (bool, error) {
	return false, nil
}
func (r *stubFeedRepo) RecordOutcome(_ context.Context, feedID int64, succeeded bool, memo entity.FeedMemo) (*entity.AffiliateFeed, error) {
	r.outcomeCalls = append(r.outcomeCalls, succeeded)
	if r.recordOutcome != nil {
		return r.recordOutcome(succeeded, memo, r.feed)
	}
	if succeeded {
		r.feed.ConsecutiveFailures = 0
	} else {
		r.feed.ConsecutiveFailures++
		if r.feed.ShouldAutoDisable() {
			r.feed.Status = entity.FeedStatusDisabled
		}
	}
	r.feed.LastRun = memo
	cp := *r.feed
	return &cp, nil
}

type stubFeedRunRepo struct {
	runs                   map[string]*entity.AffiliateFeedRun
	recentRunning          *entity.AffiliateFeedRun
	recentRunningErr       error
	mostRecentSucceeded    *entity.AffiliateFeedRun
	mostRecentSucceededErr error
	updateErr              error
	rowErrorCalls          [][]string
}

func newStubFeedRunRepo() *stubFeedRunRepo {
	return &stubFeedRunRepo{runs: map[string]*entity.AffiliateFeedRun{}, mostRecentSucceededErr: entity.ErrNotFound}
}

func (r *stubFeedRunRepo) Create(_ context.Context, run *entity.AffiliateFeedRun) error {
	r.runs[run.ID] = run
	return nil
}
func (r *stubFeedRunRepo) Get(_ context.Context, id string) (*entity.AffiliateFeedRun, error) {
	if run, ok := r.runs[id]; ok {
		return run, nil
	}
	return nil, entity.ErrNotFound
}
func (r *stubFeedRunRepo) FindRecentRunning(context.Context, int64, entity.FeedTrigger, time.Time) (*entity.AffiliateFeedRun, error) {
	return r.recentRunning, r.recentRunningErr
}
func (r *stubFeedRunRepo) MostRecentSucceeded(context.Context, int64) (*entity.AffiliateFeedRun, error) {
	return r.mostRecentSucceeded, r.mostRecentSucceededErr
}
func (r *stubFeedRunRepo) Update(_ context.Context, run *entity.AffiliateFeedRun) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.runs[run.ID] = run
	return nil
}
func (r *stubFeedRunRepo) RecordRowErrors(_ context.Context, _ string, errs []string) error {
	r.rowErrorCalls = append(r.rowErrorCalls, errs)
	return nil
}

type stubSourceRepo struct {
	source *entity.Source
	getErr error
}

func (r *stubSourceRepo) Get(context.Context, int64) (*entity.Source, error) {
	return r.source, r.getErr
}
func (r *stubSourceRepo) List(context.Context) ([]*entity.Source, error)             { return nil, nil }
func (r *stubSourceRepo) Create(context.Context, *entity.Source) (*entity.Source, error) { return nil, nil }
func (r *stubSourceRepo) Update(context.Context, *entity.Source) error               { return nil }

type stubAdapterRepo struct {
	adapter *entity.ScrapeAdapter
	getErr  error
}

func (r *stubAdapterRepo) Get(context.Context, string) (*entity.ScrapeAdapter, error) {
	return r.adapter, r.getErr
}
func (r *stubAdapterRepo) List(context.Context) ([]*entity.ScrapeAdapter, error) { return nil, nil }
func (r *stubAdapterRepo) Upsert(context.Context, *entity.ScrapeAdapter) error   { return nil }
func (r *stubAdapterRepo) DueForCycle(context.Context, time.Time) ([]*entity.ScrapeAdapter, error) {
	return nil, nil
}
func (r *stubAdapterRepo) ClaimCycle(context.Context, string, string, time.Time) (bool, error) {
	return false, nil
}
func (r *stubAdapterRepo) ClearCycle(context.Context, string) error { return nil }
func (r *stubAdapterRepo) ToggleEnabled(context.Context, string, bool) error { return nil }
func (r *stubAdapterRepo) TogglePaused(context.Context, string, bool, string, string) error {
	return nil
}
func (r *stubAdapterRepo) ResetFailures(context.Context, string) error       { return nil }
func (r *stubAdapterRepo) UpdateSchedule(context.Context, string, string) error { return nil }
func (r *stubAdapterRepo) IncrementConsecutiveFailedBatches(context.Context, string) (*entity.ScrapeAdapter, error) {
	return nil, nil
}
func (r *stubAdapterRepo) ResetConsecutiveFailedBatches(context.Context, string) error { return nil }
func (r *stubAdapterRepo) Disable(context.Context, string, entity.AdapterDisabledReason) error {
	return nil
}

type stubProductRepo struct {
	upsertErr         error
	nextProductID     int64
	countActive       int
	countActiveErr    error
	expireOlderCount  int
	expireErr         error
	upserted          []*entity.Product
}

func (r *stubProductRepo) Upsert(_ context.Context, p *entity.Product) (*entity.Product, error) {
	if r.upsertErr != nil {
		return nil, r.upsertErr
	}
	r.nextProductID++
	saved := *p
	saved.ID = r.nextProductID
	r.upserted = append(r.upserted, &saved)
	return &saved, nil
}
func (r *stubProductRepo) FindBySourceProductID(context.Context, string) (*entity.Product, error) {
	return nil, entity.ErrNotFound
}
func (r *stubProductRepo) CountActiveForFeed(context.Context, int64) (int, error) {
	return r.countActive, r.countActiveErr
}
func (r *stubProductRepo) MarkPromoted(context.Context, []int64, time.Time) error { return nil }
func (r *stubProductRepo) ExpireOlderThan(context.Context, int64, time.Time, []int64) (int, error) {
	return r.expireOlderCount, r.expireErr
}

type stubPriceRepo struct {
	mostRecent    *entity.Price
	mostRecentErr error
	insertErr     error
	inserted      []*entity.Price
}

func (r *stubPriceRepo) Insert(_ context.Context, p *entity.Price) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	r.inserted = append(r.inserted, p)
	return nil
}
func (r *stubPriceRepo) MostRecent(context.Context, int64, int64) (*entity.Price, error) {
	return r.mostRecent, r.mostRecentErr
}
func (r *stubPriceRepo) BatchInsert(context.Context, []*entity.Price) (int, error) { return 0, nil }

type stubSettingsRepo struct {
	values map[string]string
}

func (r *stubSettingsRepo) Get(_ context.Context, key string) (*entity.SystemSetting, error) {
	v, ok := r.values[key]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return &entity.SystemSetting{Key: key, Value: v}, nil
}
func (r *stubSettingsRepo) Set(_ context.Context, key, value, _ string) error {
	if r.values == nil {
		r.values = map[string]string{}
	}
	r.values[key] = value
	return nil
}

var _ repository.FeedRepository = (*stubFeedRepo)(nil)
var _ repository.FeedRunRepository = (*stubFeedRunRepo)(nil)
var _ repository.SourceRepository = (*stubSourceRepo)(nil)
var _ repository.AdapterRepository = (*stubAdapterRepo)(nil)
var _ repository.ProductRepository = (*stubProductRepo)(nil)
var _ repository.PriceRepository = (*stubPriceRepo)(nil)
var _ repository.SystemSettingsRepository = (*stubSettingsRepo)(nil)

/* ───────── stub lock / resolver / notify / downloader ───────── */

type stubLock struct {
	renewErr   error
	released   bool
}

func (l *stubLock) Renew(context.Context, time.Duration) error { return l.renewErr }
func (l *stubLock) Release(context.Context) error {
	l.released = true
	return nil
}

type stubLocker struct {
	lock     *stubLock
	acquired bool
	err      error
}

func (l *stubLocker) TryAcquire(context.Context, string, time.Duration) (feedworker.FeedLock, bool, error) {
	if l.lock == nil {
		l.lock = &stubLock{}
	}
	return l.lock, l.acquired, l.err
}

type stubResolver struct {
	endpoint string
	creds    fetcher.Credentials
	err      error
}

func (r *stubResolver) Resolve(context.Context, *entity.AffiliateFeed, *entity.Source) (string, fetcher.Credentials, error) {
	return r.endpoint, r.creds, r.err
}

type stubNotify struct {
	sent []*entity.Notification
}

func (n *stubNotify) Notify(_ context.Context, note *entity.Notification) error {
	n.sent = append(n.sent, note)
	return nil
}

func (n *stubNotify) GetChannelHealth() []notify.ChannelHealthStatus { return nil }

func (n *stubNotify) Shutdown(context.Context) error { return nil }

type stubDownloader struct {
	result *fetcher.DownloadResult
	err    error
}

func (d *stubDownloader) Download(context.Context, *entity.AffiliateFeed, string, fetcher.Credentials) (*fetcher.DownloadResult, error) {
	return d.result, d.err
}

/* ───────── harness ───────── */

type harness struct {
	svc        *feedworker.Service
	feedRepo   *stubFeedRepo
	runRepo    *stubFeedRunRepo
	sourceRepo *stubSourceRepo
	notify     *stubNotify
	download   *stubDownloader
}

func newHarness(t *testing.T, feed *entity.AffiliateFeed, source *entity.Source) *harness {
	t.Helper()
	feedRepo := &stubFeedRepo{feed: feed}
	runRepo := newStubFeedRunRepo()
	sourceRepo := &stubSourceRepo{source: source}
	adapterRepo := &stubAdapterRepo{}
	notifySvc := &stubNotify{}
	download := &stubDownloader{result: &fetcher.DownloadResult{Skipped: true, SkippedReason: entity.SkippedUnchangedMtime}}

	svc := feedworker.NewService(
		feedRepo, runRepo, sourceRepo, adapterRepo,
		&stubProductRepo{}, &stubPriceRepo{}, &stubSettingsRepo{},
		&stubLocker{acquired: true}, &stubResolver{endpoint: "https://example.test/feed.csv"}, notifySvc,
	)
	svc.DownloaderFactory = func(entity.FeedTransport, fetcher.FeedDownloadConfig) (fetcher.Downloader, error) {
		return download, nil
	}
	return &harness{svc: svc, feedRepo: feedRepo, runRepo: runRepo, sourceRepo: sourceRepo, notify: notifySvc, download: download}
}

func baseFeed() *entity.AffiliateFeed {
	return &entity.AffiliateFeed{
		ID:          1,
		SourceID:    10,
		Transport:   entity.FeedTransportHTTPS,
		Format:      entity.FeedFormatCSV,
		ExpiryHours: 72,
		MaxRowCount: 10000,
		Status:      entity.FeedStatusActive,
	}
}

func baseSource() *entity.Source {
	return &entity.Source{ID: 10, Name: "Example Retailer"}
}

func jobFor(feedID int64, trigger entity.FeedTrigger) *queue.Job {
	payload, _ := json.Marshal(feedworker.JobPayload{FeedID: feedID, Trigger: trigger})
	return &queue.Job{ID: "job-1", Kind: "feed_run", Payload: payload}
}

/* ───────── tests ───────── */

func TestRun_SkipsDraftFeed(t *testing.T) {
	feed := baseFeed()
	feed.Status = entity.FeedStatusDraft
	h := newHarness(t, feed, baseSource())

	job := jobFor(feed.ID, entity.FeedTriggerScheduled)
	err := h.svc.Run(context.Background(), job)

	require.NoError(t, err)
	require.Len(t, h.runRepo.runs, 1)
	for _, run := range h.runRepo.runs {
		assert.Equal(t, entity.FeedRunStatusSucceeded, run.Status)
		assert.Equal(t, "FEED_DRAFT", run.SkippedReason)
	}
}

func TestRun_DisabledFeedBlocksScheduledButAllowsManual(t *testing.T) {
	feed := baseFeed()
	feed.Status = entity.FeedStatusDisabled

	h := newHarness(t, feed, baseSource())
	err := h.svc.Run(context.Background(), jobFor(feed.ID, entity.FeedTriggerScheduled))
	require.NoError(t, err)
	for _, run := range h.runRepo.runs {
		assert.Equal(t, "FEED_DISABLED", run.SkippedReason)
	}

	h2 := newHarness(t, feed, baseSource())
	err = h2.svc.Run(context.Background(), jobFor(feed.ID, entity.FeedTriggerManual))
	require.NoError(t, err)
	for _, run := range h2.runRepo.runs {
		assert.NotEqual(t, "FEED_DISABLED", run.SkippedReason)
	}
}

func TestRun_AdapterDisabledSkipsRun(t *testing.T) {
	feed := baseFeed()
	source := baseSource()
	source.AdapterID = "adapter-1"
	h := newHarness(t, feed, source)
	h.svc.AdapterRepo = &stubAdapterRepo{adapter: &entity.ScrapeAdapter{ID: "adapter-1", Enabled: false}}

	err := h.svc.Run(context.Background(), jobFor(feed.ID, entity.FeedTriggerScheduled))
	require.NoError(t, err)
	for _, run := range h.runRepo.runs {
		assert.Equal(t, "ADAPTER_DISABLED", run.SkippedReason)
	}
}

func TestRun_IngestionPausedSkipsRun(t *testing.T) {
	feed := baseFeed()
	source := baseSource()
	source.AdapterID = "adapter-1"
	h := newHarness(t, feed, source)
	h.svc.AdapterRepo = &stubAdapterRepo{adapter: &entity.ScrapeAdapter{ID: "adapter-1", Enabled: true, IngestionPaused: true}}

	err := h.svc.Run(context.Background(), jobFor(feed.ID, entity.FeedTriggerScheduled))
	require.NoError(t, err)
	for _, run := range h.runRepo.runs {
		assert.Equal(t, "INGESTION_PAUSED", run.SkippedReason)
	}
}

func TestRun_LockContentionIsNotRetried(t *testing.T) {
	feed := baseFeed()
	h := newHarness(t, feed, baseSource())
	h.svc.Locks = &stubLocker{acquired: false}

	err := h.svc.Run(context.Background(), jobFor(feed.ID, entity.FeedTriggerScheduled))
	require.ErrorIs(t, err, entity.ErrLockContention)
	assert.False(t, entity.IsRetryablePipelineError(err))
	assert.Empty(t, h.runRepo.runs, "no run should be created before the lock is held")
}

func TestRun_FeedNotFoundDiscardsJobQuietly(t *testing.T) {
	h := newHarness(t, baseFeed(), baseSource())
	h.feedRepo.getErr = entity.ErrNotFound

	err := h.svc.Run(context.Background(), jobFor(99, entity.FeedTriggerScheduled))
	require.NoError(t, err)
}

const happyPathCSV = "source_product_id,brand,caliber,title,url,price,in_stock\n" +
	"sp-1,Federal,9mm,9mm FMJ 115gr,https://example.test/p/1,24.99,true\n" +
	"sp-2,Winchester,.223,223 Rem 55gr,https://example.test/p/2,19.99,false\n"

func TestRun_HappyPathDownloadParseProcessPromote(t *testing.T) {
	feed := baseFeed()
	h := newHarness(t, feed, baseSource())
	h.download.result = &fetcher.DownloadResult{
		Body: io.NopCloser(strings.NewReader(happyPathCSV)),
		Memo: entity.FeedMemo{Size: int64(len(happyPathCSV))},
	}

	err := h.svc.Run(context.Background(), jobFor(feed.ID, entity.FeedTriggerScheduled))
	require.NoError(t, err)

	var run *entity.AffiliateFeedRun
	for _, r := range h.runRepo.runs {
		run = r
	}
	require.NotNil(t, run)
	assert.Equal(t, entity.FeedRunStatusSucceeded, run.Status)
	assert.Equal(t, 2, run.Metrics.ProductsUpserted)
	assert.Equal(t, 2, run.Metrics.PricesWritten, "neither row has a prior observation, so both are new price writes")
	assert.False(t, run.ExpiryBlocked)
	assert.Equal(t, 0, feed.ConsecutiveFailures)
}

func TestRun_UnchangedSkipCarriesForwardSeenRows(t *testing.T) {
	feed := baseFeed()
	h := newHarness(t, feed, baseSource())
	h.download.result = &fetcher.DownloadResult{Skipped: true, SkippedReason: entity.SkippedUnchangedHash, Memo: feed.LastRun}
	h.runRepo.mostRecentSucceeded = &entity.AffiliateFeedRun{
		Metrics: entity.RunMetrics{SeenSuccessCount: 41, ProductsUpserted: 41},
	}
	h.runRepo.mostRecentSucceededErr = nil

	err := h.svc.Run(context.Background(), jobFor(feed.ID, entity.FeedTriggerScheduled))
	require.NoError(t, err)

	var run *entity.AffiliateFeedRun
	for _, r := range h.runRepo.runs {
		run = r
	}
	require.NotNil(t, run)
	assert.Equal(t, "UNCHANGED_HASH", run.SkippedReason)
	assert.Equal(t, 41, run.Metrics.SeenSuccessCount)
	assert.Equal(t, 41, run.Metrics.ProductsUpserted)
}

func TestRun_CircuitBreakerTripSuppressesPromotion(t *testing.T) {
	feed := baseFeed()
	h := newHarness(t, feed, baseSource())
	h.download.result = &fetcher.DownloadResult{
		Body: io.NopCloser(strings.NewReader(happyPathCSV)),
		Memo: entity.FeedMemo{Size: int64(len(happyPathCSV))},
	}
	// ActiveCountBefore >= 50 and nearly everything would expire trips the
	// would-expire-ratio condition (§4.E phase 2).
	h.svc.ProductRepo = &stubProductRepo{countActive: 100}

	err := h.svc.Run(context.Background(), jobFor(feed.ID, entity.FeedTriggerScheduled))
	require.NoError(t, err)

	var run *entity.AffiliateFeedRun
	for _, r := range h.runRepo.runs {
		run = r
	}
	require.NotNil(t, run)
	assert.True(t, run.ExpiryBlocked)
	assert.Equal(t, "would_expire_ratio_exceeded", run.ExpiryBlockedReason)
	assert.Equal(t, entity.FeedRunStatusSucceeded, run.Status, "a tripped breaker still finalizes the run as succeeded, only promotion is suppressed")
}

func TestRun_RetryReusesExistingRunID(t *testing.T) {
	feed := baseFeed()
	h := newHarness(t, feed, baseSource())

	existing := &entity.AffiliateFeedRun{
		ID:        "run_existing",
		FeedID:    feed.ID,
		SourceID:  feed.SourceID,
		Trigger:   entity.FeedTriggerScheduled,
		Status:    entity.FeedRunStatusRunning,
		StartedAt: time.Now(),
	}
	h.runRepo.runs[existing.ID] = existing

	payload, _ := json.Marshal(feedworker.JobPayload{FeedID: feed.ID, Trigger: entity.FeedTriggerScheduled, RunID: existing.ID})
	job := &queue.Job{ID: "job-retry", Kind: "feed_run", Payload: payload}

	err := h.svc.Run(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, h.runRepo.runs, 1, "retry must not create a second run")

	var decoded feedworker.JobPayload
	require.NoError(t, json.Unmarshal(job.Payload, &decoded))
	assert.Equal(t, existing.ID, decoded.RunID)
}

func TestRun_AutoDisablesAfterMaxConsecutiveFailures(t *testing.T) {
	feed := baseFeed()
	feed.ConsecutiveFailures = entity.MaxConsecutiveFeedFailures - 1
	h := newHarness(t, feed, baseSource())
	h.svc.Resolver = &stubResolver{err: assertError{"endpoint secrets unavailable"}}

	err := h.svc.Run(context.Background(), jobFor(feed.ID, entity.FeedTriggerScheduled))
	require.Error(t, err)
	assert.False(t, entity.IsRetryablePipelineError(err))

	assert.Equal(t, entity.FeedStatusDisabled, feed.Status)
	require.Len(t, h.notify.sent, 1)
	assert.Equal(t, "Feed auto-disabled", h.notify.sent[0].Title)
	assert.Equal(t, entity.NotificationAlert, h.notify.sent[0].Severity)
}

func TestRun_TransientDownloadErrorIsRetryable(t *testing.T) {
	feed := baseFeed()
	h := newHarness(t, feed, baseSource())
	h.download.err = fetcher.ErrTimeout

	err := h.svc.Run(context.Background(), jobFor(feed.ID, entity.FeedTriggerScheduled))
	require.Error(t, err)
	assert.True(t, entity.IsRetryablePipelineError(err))
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
