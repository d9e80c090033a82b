package admin_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"priceintel/internal/domain/entity"
	"priceintel/internal/repository"
	"priceintel/internal/usecase/admin"
)

/* ───────── stub repositories/collaborators ───────── */

type stubTargetRepo struct {
	byID       map[string]*entity.ScrapeTarget
	byCanonURL map[string]*entity.ScrapeTarget // key: sourceID|canonicalURL
	created    []*entity.ScrapeTarget
	deleted    []string
}

func newStubTargetRepo() *stubTargetRepo {
	return &stubTargetRepo{byID: map[string]*entity.ScrapeTarget{}, byCanonURL: map[string]*entity.ScrapeTarget{}}
}

func (r *stubTargetRepo) Get(_ context.Context, id string) (*entity.ScrapeTarget, error) {
	return r.byID[id], nil
}
func (r *stubTargetRepo) GetByCanonicalURL(_ context.Context, sourceID int64, canonicalURL string) (*entity.ScrapeTarget, error) {
	return r.byCanonURL[canonKey(sourceID, canonicalURL)], nil
}
func (r *stubTargetRepo) List(context.Context, string, int, int) ([]*entity.ScrapeTarget, error) {
	return nil, nil
}
func (r *stubTargetRepo) Create(_ context.Context, t *entity.ScrapeTarget) (*entity.ScrapeTarget, error) {
	r.byID[t.ID] = t
	r.byCanonURL[canonKey(t.SourceID, t.CanonicalURL)] = t
	r.created = append(r.created, t)
	return t, nil
}
func (r *stubTargetRepo) Update(_ context.Context, t *entity.ScrapeTarget) error {
	r.byID[t.ID] = t
	return nil
}
func (r *stubTargetRepo) Delete(_ context.Context, id string) error {
	r.deleted = append(r.deleted, id)
	delete(r.byID, id)
	return nil
}
func (r *stubTargetRepo) EligibleForCycle(context.Context, string, string, int) ([]*entity.ScrapeTarget, error) {
	return nil, nil
}
func (r *stubTargetRepo) CountByLastStatus(context.Context, string, entity.TargetLastStatus) (int, error) {
	return 0, nil
}
func (r *stubTargetRepo) CountPendingGlobal(context.Context) (int, error) { return 0, nil }
func (r *stubTargetRepo) SetLastStatus(context.Context, string, entity.TargetLastStatus) error {
	return nil
}
func (r *stubTargetRepo) RecordOutcome(context.Context, string, bool, time.Time) error { return nil }

func canonKey(sourceID int64, canonicalURL string) string {
	return fmt.Sprintf("%d|%s", sourceID, canonicalURL)
}

var _ repository.TargetRepository = (*stubTargetRepo)(nil)

type stubAdapterRepo struct {
	clearCycleCalls []string
	toggleEnabled   map[string]bool
}

func newStubAdapterRepo() *stubAdapterRepo { return &stubAdapterRepo{toggleEnabled: map[string]bool{}} }

func (r *stubAdapterRepo) Get(context.Context, string) (*entity.ScrapeAdapter, error) { return nil, nil }
func (r *stubAdapterRepo) List(context.Context) ([]*entity.ScrapeAdapter, error)       { return nil, nil }
func (r *stubAdapterRepo) Upsert(context.Context, *entity.ScrapeAdapter) error         { return nil }
func (r *stubAdapterRepo) DueForCycle(context.Context, time.Time) ([]*entity.ScrapeAdapter, error) {
	return nil, nil
}
func (r *stubAdapterRepo) ClaimCycle(context.Context, string, string, time.Time) (bool, error) {
	return true, nil
}
func (r *stubAdapterRepo) ClearCycle(_ context.Context, adapterID string) error {
	r.clearCycleCalls = append(r.clearCycleCalls, adapterID)
	return nil
}
func (r *stubAdapterRepo) ToggleEnabled(_ context.Context, adapterID string, enabled bool) error {
	r.toggleEnabled[adapterID] = enabled
	return nil
}
func (r *stubAdapterRepo) TogglePaused(context.Context, string, bool, string, string) error {
	return nil
}
func (r *stubAdapterRepo) ResetFailures(context.Context, string) error         { return nil }
func (r *stubAdapterRepo) UpdateSchedule(context.Context, string, string) error { return nil }
func (r *stubAdapterRepo) IncrementConsecutiveFailedBatches(context.Context, string) (*entity.ScrapeAdapter, error) {
	return nil, nil
}
func (r *stubAdapterRepo) ResetConsecutiveFailedBatches(context.Context, string) error { return nil }
func (r *stubAdapterRepo) Disable(context.Context, string, entity.AdapterDisabledReason) error {
	return nil
}

var _ repository.AdapterRepository = (*stubAdapterRepo)(nil)

type stubCycleRepo struct {
	byID    map[string]*entity.ScrapeCycle
	running []*entity.ScrapeCycle
	updated []*entity.ScrapeCycle
}

func newStubCycleRepo() *stubCycleRepo { return &stubCycleRepo{byID: map[string]*entity.ScrapeCycle{}} }

func (r *stubCycleRepo) Get(_ context.Context, id string) (*entity.ScrapeCycle, error) {
	return r.byID[id], nil
}
func (r *stubCycleRepo) Create(_ context.Context, c *entity.ScrapeCycle) error {
	r.byID[c.ID] = c
	return nil
}
func (r *stubCycleRepo) Update(_ context.Context, c *entity.ScrapeCycle) error {
	r.byID[c.ID] = c
	r.updated = append(r.updated, c)
	return nil
}
func (r *stubCycleRepo) IncrementCounters(context.Context, string, int, int, int, int, int, string) error {
	return nil
}
func (r *stubCycleRepo) RunningOlderThan(context.Context, time.Time) ([]*entity.ScrapeCycle, error) {
	return r.running, nil
}

var _ repository.CycleRepository = (*stubCycleRepo)(nil)

type stubFeedRunRepo struct {
	running []*entity.AffiliateFeedRun
	updated []*entity.AffiliateFeedRun
}

func (r *stubFeedRunRepo) Create(context.Context, *entity.AffiliateFeedRun) error { return nil }
func (r *stubFeedRunRepo) Get(context.Context, string) (*entity.AffiliateFeedRun, error) {
	return nil, nil
}
func (r *stubFeedRunRepo) FindRecentRunning(context.Context, int64, entity.FeedTrigger, time.Time) (*entity.AffiliateFeedRun, error) {
	return nil, nil
}
func (r *stubFeedRunRepo) MostRecentSucceeded(context.Context, int64) (*entity.AffiliateFeedRun, error) {
	return nil, nil
}
func (r *stubFeedRunRepo) ListRunning(context.Context) ([]*entity.AffiliateFeedRun, error) {
	return r.running, nil
}
func (r *stubFeedRunRepo) Update(_ context.Context, run *entity.AffiliateFeedRun) error {
	r.updated = append(r.updated, run)
	return nil
}
func (r *stubFeedRunRepo) RecordRowErrors(context.Context, string, []string) error { return nil }

var _ repository.FeedRunRepository = (*stubFeedRunRepo)(nil)

type stubSettingsRepo struct {
	values map[string]string
	sets   map[string]string
}

func newStubSettingsRepo() *stubSettingsRepo {
	return &stubSettingsRepo{values: map[string]string{}, sets: map[string]string{}}
}

func (r *stubSettingsRepo) Get(_ context.Context, key string) (*entity.SystemSetting, error) {
	v, ok := r.values[key]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return &entity.SystemSetting{Key: key, Value: v}, nil
}
func (r *stubSettingsRepo) Set(_ context.Context, key, value, _ string) error {
	r.sets[key] = value
	r.values[key] = value
	return nil
}

var _ repository.SystemSettingsRepository = (*stubSettingsRepo)(nil)

type stubCycleTrigger struct {
	manualScrapeErr error
	manualCalls     []string
	cycleCalls      []string
}

func (t *stubCycleTrigger) TriggerManualScrape(_ context.Context, targetID string) error {
	t.manualCalls = append(t.manualCalls, targetID)
	return t.manualScrapeErr
}
func (t *stubCycleTrigger) TriggerAdapterCycle(_ context.Context, adapterID string) (*entity.ScrapeCycle, error) {
	t.cycleCalls = append(t.cycleCalls, adapterID)
	return &entity.ScrapeCycle{ID: "cycle-1", AdapterID: adapterID}, nil
}

type stubQueue struct {
	depth   int64
	purged  bool
	purgeErr error
}

func (q *stubQueue) Purge(context.Context) (int64, error) {
	q.purged = true
	return q.depth, q.purgeErr
}

/* ───────── tests ───────── */

func newTestService(targets *stubTargetRepo, adapters *stubAdapterRepo, cycles *stubCycleRepo, feedRuns *stubFeedRunRepo, settings *stubSettingsRepo, trigger *stubCycleTrigger, queues ...admin.Queue) *admin.Service {
	return admin.NewService(targets, adapters, cycles, feedRuns, settings, trigger, nil, queues...)
}

func TestCreateTarget_CanonicalizesAndRejectsDuplicate(t *testing.T) {
	targets := newStubTargetRepo()
	svc := newTestService(targets, newStubAdapterRepo(), newStubCycleRepo(), &stubFeedRunRepo{}, newStubSettingsRepo(), &stubCycleTrigger{})

	created, err := svc.CreateTarget(context.Background(), &entity.ScrapeTarget{URL: "https://Example.com/p", SourceID: 1, AdapterID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/p", created.CanonicalURL)

	_, err = svc.CreateTarget(context.Background(), &entity.ScrapeTarget{URL: "http://example.COM/p/?utm_source=x", SourceID: 1, AdapterID: "a1"})
	assert.ErrorIs(t, err, entity.ErrAlreadyExists)
}

func TestBulkCreateTargets_SkipsEmptyAndDedupesWithinBatch(t *testing.T) {
	targets := newStubTargetRepo()
	svc := newTestService(targets, newStubAdapterRepo(), newStubCycleRepo(), &stubFeedRunRepo{}, newStubSettingsRepo(), &stubCycleTrigger{})

	csv := "url,adapterId,priority\n" +
		"https://ex.com/a,a1,10\n" +
		"https://ex.com/a,a1,10\n" + // duplicate within batch
		",a1,5\n" + // empty url: skipped
		"https://ex.com/b,,5\n" + // empty adapterId: skipped
		"https://ex.com/c,a1,20\n"

	result, err := svc.BulkCreateTargets(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	assert.Empty(t, result.Errors)
}

func TestBulkCreateTargets_SecondCallYieldsAllSkipped(t *testing.T) {
	targets := newStubTargetRepo()
	svc := newTestService(targets, newStubAdapterRepo(), newStubCycleRepo(), &stubFeedRunRepo{}, newStubSettingsRepo(), &stubCycleTrigger{})

	csv := "url,adapterId,priority\nhttps://ex.com/a,a1,10\nhttps://ex.com/b,a1,10\n"
	_, err := svc.BulkCreateTargets(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)

	result, err := svc.BulkCreateTargets(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 2, result.Skipped)
}

func TestCancelAdapterCycle_TransitionsAndClearsBinding(t *testing.T) {
	cycles := newStubCycleRepo()
	cycles.byID["c1"] = &entity.ScrapeCycle{ID: "c1", AdapterID: "a1", Status: entity.CycleStatusRunning}
	adapters := newStubAdapterRepo()
	svc := newTestService(newStubTargetRepo(), adapters, cycles, &stubFeedRunRepo{}, newStubSettingsRepo(), &stubCycleTrigger{})

	err := svc.CancelAdapterCycle(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, entity.CycleStatusCancelled, cycles.byID["c1"].Status)
	assert.NotNil(t, cycles.byID["c1"].FinishedAt)
	assert.Equal(t, []string{"a1"}, adapters.clearCycleCalls)
}

func TestCancelAdapterCycle_NoOpWhenNotRunning(t *testing.T) {
	cycles := newStubCycleRepo()
	cycles.byID["c1"] = &entity.ScrapeCycle{ID: "c1", AdapterID: "a1", Status: entity.CycleStatusSucceeded}
	adapters := newStubAdapterRepo()
	svc := newTestService(newStubTargetRepo(), adapters, cycles, &stubFeedRunRepo{}, newStubSettingsRepo(), &stubCycleTrigger{})

	err := svc.CancelAdapterCycle(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, adapters.clearCycleCalls)
}

func TestEmergencyStopScraper_RejectsBadConfirmation(t *testing.T) {
	svc := newTestService(newStubTargetRepo(), newStubAdapterRepo(), newStubCycleRepo(), &stubFeedRunRepo{}, newStubSettingsRepo(), &stubCycleTrigger{})

	_, err := svc.EmergencyStopScraper(context.Background(), "not-it", "admin")
	assert.ErrorIs(t, err, admin.ErrBadConfirmation)
}

func TestEmergencyStopScraper_AbortsRunsAndPurgesQueues(t *testing.T) {
	feedRuns := &stubFeedRunRepo{running: []*entity.AffiliateFeedRun{{ID: "run-1", Status: entity.FeedRunStatusRunning}}}
	cycles := newStubCycleRepo()
	cycles.running = []*entity.ScrapeCycle{{ID: "c1", AdapterID: "a1", Status: entity.CycleStatusRunning}}
	settings := newStubSettingsRepo()
	adapters := newStubAdapterRepo()
	q1 := &stubQueue{depth: 3}
	q2 := &stubQueue{depth: 5}

	svc := newTestService(newStubTargetRepo(), adapters, cycles, feedRuns, settings, &stubCycleTrigger{}, q1, q2)

	result, err := svc.EmergencyStopScraper(context.Background(), admin.EmergencyStopConfirmation, "admin")
	require.NoError(t, err)

	assert.Equal(t, 2, result.RunsAborted) // 1 feed run + 1 cycle
	assert.EqualValues(t, 8, result.QueuesCleared)
	assert.Equal(t, "false", settings.sets[entity.SettingSchedulerEnabled])
	assert.True(t, q1.purged)
	assert.True(t, q2.purged)
	require.Len(t, feedRuns.updated, 1)
	assert.Equal(t, entity.FeedRunStatusFailed, feedRuns.updated[0].Status)
	assert.Equal(t, []string{"a1"}, adapters.clearCycleCalls)
}

func TestGetScraperStatus_DefaultsFailOpen(t *testing.T) {
	settings := newStubSettingsRepo()
	svc := newTestService(newStubTargetRepo(), newStubAdapterRepo(), newStubCycleRepo(), &stubFeedRunRepo{}, settings, &stubCycleTrigger{})

	status, err := svc.GetScraperStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.SchedulerEnabled)
	assert.False(t, status.AdapterLevelSchedulingEnabled)
}

func TestTriggerManualScrape_DelegatesToScrapeCycle(t *testing.T) {
	trigger := &stubCycleTrigger{}
	svc := newTestService(newStubTargetRepo(), newStubAdapterRepo(), newStubCycleRepo(), &stubFeedRunRepo{}, newStubSettingsRepo(), trigger)

	err := svc.TriggerManualScrape(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, trigger.manualCalls)
}
