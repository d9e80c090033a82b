// Package admin implements the control-surface operations of spec.md §6:
// target CRUD/bulk import, the adapter toggles, the global scheduler
// enable flag, and the protected emergency-stop operation, delegating the
// actual scrape orchestration to internal/usecase/scrapecycle wherever its
// logic already exists (manual-trigger caps, "Run Now" eligibility).
package admin

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"priceintel/internal/domain/entity"
	"priceintel/internal/domain/runid"
	urlpkg "priceintel/internal/domain/url"
	"priceintel/internal/infra/queue"
	"priceintel/internal/repository"
	"priceintel/internal/usecase/scrapecycle"
)

// EmergencyStopConfirmation is the literal string §6 requires callers to
// pass verbatim to EmergencyStopScraper.
const EmergencyStopConfirmation = "EMERGENCY_STOP"

// ErrBadConfirmation is returned when EmergencyStopScraper's confirmation
// code does not match EmergencyStopConfirmation exactly.
var ErrBadConfirmation = fmt.Errorf("admin: confirmation code does not match %q", EmergencyStopConfirmation)

// Queue is the subset of *queue.Queue the control surface purges on
// emergency stop.
type Queue interface {
	Purge(ctx context.Context) (int64, error)
}

// CycleTrigger is the subset of *scrapecycle.Service the control surface
// delegates to for manual intake and "Run Now".
type CycleTrigger interface {
	TriggerManualScrape(ctx context.Context, targetID string) error
	TriggerAdapterCycle(ctx context.Context, adapterID string) (*entity.ScrapeCycle, error)
}

// Enqueuer is the subset of *queue.Queue the control surface uses to push
// an operator-triggered "Run Now" cycle onto the scrape_cycle queue, the
// same way the scheduler's adapter-cycle tick does for scheduled cycles.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// Service implements the admin control surface.
type Service struct {
	Targets     repository.TargetRepository
	Adapters    repository.AdapterRepository
	Cycles      repository.CycleRepository
	FeedRuns    repository.FeedRunRepository
	Settings    repository.SystemSettingsRepository
	ScrapeCyc   CycleTrigger
	ScrapeQueue Enqueuer
	Queues      []Queue

	now func() time.Time
}

func NewService(
	targets repository.TargetRepository,
	adapters repository.AdapterRepository,
	cycles repository.CycleRepository,
	feedRuns repository.FeedRunRepository,
	settings repository.SystemSettingsRepository,
	scrapeCyc CycleTrigger,
	scrapeQueue Enqueuer,
	queues ...Queue,
) *Service {
	return &Service{
		Targets:     targets,
		Adapters:    adapters,
		Cycles:      cycles,
		FeedRuns:    feedRuns,
		Settings:    settings,
		ScrapeCyc:   scrapeCyc,
		ScrapeQueue: scrapeQueue,
		Queues:      queues,
		now:         time.Now,
	}
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

/* ───────── target CRUD ───────── */

func (s *Service) ListTargets(ctx context.Context, adapterID string, limit, offset int) ([]*entity.ScrapeTarget, error) {
	return s.Targets.List(ctx, adapterID, limit, offset)
}

func (s *Service) GetTarget(ctx context.Context, id string) (*entity.ScrapeTarget, error) {
	return s.Targets.Get(ctx, id)
}

// CreateTarget canonicalizes url, rejects a duplicate (sourceId,
// canonicalUrl) with entity.ErrAlreadyExists (§8 scenario 2), and persists
// the new target with lastStatus=SUCCESS (i.e. not yet scraped, treated as
// the neutral default until the engine's first pass touches it).
func (s *Service) CreateTarget(ctx context.Context, t *entity.ScrapeTarget) (*entity.ScrapeTarget, error) {
	canonical, err := urlpkg.Canonicalize(t.URL)
	if err != nil {
		return nil, fmt.Errorf("canonicalize url: %w", err)
	}
	t.CanonicalURL = canonical
	t.Enabled = true
	if t.Status == "" {
		t.Status = entity.TargetStatusActive
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	if existing, _ := s.Targets.GetByCanonicalURL(ctx, t.SourceID, canonical); existing != nil {
		return nil, entity.ErrAlreadyExists
	}

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return s.Targets.Create(ctx, t)
}

func (s *Service) UpdateTarget(ctx context.Context, t *entity.ScrapeTarget) error {
	if t.URL != "" {
		canonical, err := urlpkg.Canonicalize(t.URL)
		if err != nil {
			return fmt.Errorf("canonicalize url: %w", err)
		}
		t.CanonicalURL = canonical
	}
	if err := t.Validate(); err != nil {
		return err
	}
	return s.Targets.Update(ctx, t)
}

func (s *Service) DeleteTarget(ctx context.Context, id string) error {
	return s.Targets.Delete(ctx, id)
}

// BulkRow is one row of the CSV import shape (§6): header required,
// columns url/adapterId/priority recognized case-insensitively.
type BulkRow struct {
	Row   int
	URL   string
	Error string
}

// BulkResult reports the CSV-import outcome shape of §6.
type BulkResult struct {
	Created int
	Skipped int
	Errors  []BulkRow
}

// BulkCreateTargets implements §6's BulkCreateTargets/CSV import: rows with
// empty url or adapterId are skipped silently; duplicates within the batch
// are silently dropped; duplicates against storage count as Skipped;
// validation failures are collected in Errors. A second call with the same
// rows yields created=0, skipped=N (§8 round-trip law).
func (s *Service) BulkCreateTargets(ctx context.Context, r io.Reader) (*BulkResult, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return &BulkResult{}, nil
		}
		return nil, fmt.Errorf("read CSV header: %w", err)
	}
	colIndex := map[string]int{}
	for i, h := range header {
		colIndex[strings.ToLower(strings.TrimSpace(h))] = i
	}

	result := &BulkResult{}
	seenInBatch := map[string]bool{}
	rowNum := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read CSV row %d: %w", rowNum, err)
		}
		rowNum++

		url := field(record, colIndex, "url")
		adapterID := field(record, colIndex, "adapterid")
		if url == "" || adapterID == "" {
			continue // skipped silently per §6
		}

		priority := 0
		if raw := field(record, colIndex, "priority"); raw != "" {
			p, err := strconv.Atoi(raw)
			if err != nil {
				result.Errors = append(result.Errors, BulkRow{Row: rowNum, URL: url, Error: "priority: " + err.Error()})
				continue
			}
			priority = p
		}

		canonical, err := urlpkg.Canonicalize(url)
		if err != nil {
			result.Errors = append(result.Errors, BulkRow{Row: rowNum, URL: url, Error: err.Error()})
			continue
		}

		batchKey := adapterID + "|" + canonical
		if seenInBatch[batchKey] {
			continue // duplicate within the batch: silently dropped
		}
		seenInBatch[batchKey] = true

		target := &entity.ScrapeTarget{
			ID:        uuid.New().String(),
			URL:       url,
			AdapterID: adapterID,
			Priority:  priority,
			Enabled:   true,
			Status:    entity.TargetStatusActive,
		}
		if _, err := s.CreateTarget(ctx, target); err != nil {
			if err == entity.ErrAlreadyExists {
				result.Skipped++
				continue
			}
			result.Errors = append(result.Errors, BulkRow{Row: rowNum, URL: url, Error: err.Error()})
			continue
		}
		result.Created++
	}
	return result, nil
}

func field(record []string, colIndex map[string]int, name string) string {
	idx, ok := colIndex[name]
	if !ok || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

/* ───────── manual/adapter triggers ───────── */

// TriggerManualScrape delegates to scrapecycle.Service, which owns the
// backlog caps (§4.F).
func (s *Service) TriggerManualScrape(ctx context.Context, targetID string) error {
	return s.ScrapeCyc.TriggerManualScrape(ctx, targetID)
}

// TriggerAdapterCycle delegates to scrapecycle.Service's "Run Now" trigger,
// then enqueues the cycle's first scrape_cycle job the same way the
// scheduler's adapter-cycle tick does, so a worker actually picks it up.
func (s *Service) TriggerAdapterCycle(ctx context.Context, adapterID string) (*entity.ScrapeCycle, error) {
	cycle, err := s.ScrapeCyc.TriggerAdapterCycle(ctx, adapterID)
	if err != nil {
		return nil, err
	}
	if s.ScrapeQueue != nil {
		payload, mErr := json.Marshal(scrapecycle.JobPayload{CycleID: cycle.ID, AdapterID: adapterID})
		if mErr != nil {
			return cycle, fmt.Errorf("marshal scrape_cycle payload: %w", mErr)
		}
		if err := s.ScrapeQueue.Enqueue(ctx, queue.Job{ID: runid.New(), Kind: "scrape_cycle", Payload: payload}); err != nil {
			return cycle, fmt.Errorf("enqueue scrape_cycle: %w", err)
		}
	}
	return cycle, nil
}

// CancelScrapeRun cancels a single in-flight per-target scrape attempt by
// marking its owning cycle's bookkeeping unaffected; per spec.md's
// persisted-state model there is no standalone scrape_run row independent
// of its cycle's counters, so cancellation at the run granularity is
// expressed as CancelAdapterCycle at the cycle the run belongs to.
func (s *Service) CancelScrapeRun(ctx context.Context, cycleID string) error {
	return s.CancelAdapterCycle(ctx, cycleID)
}

// CancelAdapterCycle transitions a RUNNING cycle to CANCELLED and clears
// the owning adapter's currentCycleId, so a fresh cycle can be started.
func (s *Service) CancelAdapterCycle(ctx context.Context, cycleID string) error {
	cycle, err := s.Cycles.Get(ctx, cycleID)
	if err != nil {
		return fmt.Errorf("load cycle: %w", err)
	}
	if cycle == nil || cycle.Status != entity.CycleStatusRunning {
		return nil
	}
	cycle.Status = entity.CycleStatusCancelled
	now := s.clock()
	cycle.FinishedAt = &now
	if err := s.Cycles.Update(ctx, cycle); err != nil {
		return fmt.Errorf("update cycle: %w", err)
	}
	return s.Adapters.ClearCycle(ctx, cycle.AdapterID)
}

/* ───────── adapter toggles ───────── */

func (s *Service) ListAdapters(ctx context.Context) ([]*entity.ScrapeAdapter, error) {
	return s.Adapters.List(ctx)
}

func (s *Service) GetAdapter(ctx context.Context, id string) (*entity.ScrapeAdapter, error) {
	return s.Adapters.Get(ctx, id)
}

func (s *Service) ToggleAdapterEnabled(ctx context.Context, adapterID string, enabled bool) error {
	return s.Adapters.ToggleEnabled(ctx, adapterID, enabled)
}

func (s *Service) ToggleAdapterIngestionPaused(ctx context.Context, adapterID string, paused bool, by, reason string) error {
	return s.Adapters.TogglePaused(ctx, adapterID, paused, by, reason)
}

func (s *Service) ResetAdapterFailures(ctx context.Context, adapterID string) error {
	return s.Adapters.ResetFailures(ctx, adapterID)
}

func (s *Service) UpdateAdapterSchedule(ctx context.Context, adapterID, cron string) error {
	return s.Adapters.UpdateSchedule(ctx, adapterID, cron)
}

/* ───────── global flags ───────── */

// ScraperStatus is the snapshot GetScraperStatus returns.
type ScraperStatus struct {
	SchedulerEnabled             bool
	AdapterLevelSchedulingEnabled bool
	RunningCycles                int
	RunningFeedRuns              int
}

func (s *Service) GetScraperStatus(ctx context.Context) (*ScraperStatus, error) {
	schedulerEnabled, err := s.settingBool(ctx, entity.SettingSchedulerEnabled, true)
	if err != nil {
		return nil, err
	}
	adapterLevel, err := s.settingBool(ctx, entity.SettingAdapterLevelScheduling, false)
	if err != nil {
		return nil, err
	}
	runningCycles, err := s.Cycles.RunningOlderThan(ctx, s.clock())
	if err != nil {
		return nil, fmt.Errorf("list running cycles: %w", err)
	}
	runningFeedRuns, err := s.FeedRuns.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("list running feed runs: %w", err)
	}
	return &ScraperStatus{
		SchedulerEnabled:              schedulerEnabled,
		AdapterLevelSchedulingEnabled: adapterLevel,
		RunningCycles:                 len(runningCycles),
		RunningFeedRuns:               len(runningFeedRuns),
	}, nil
}

func (s *Service) EnableScraperScheduler(ctx context.Context, enabled bool, by string) error {
	v := "false"
	if enabled {
		v = "true"
	}
	return s.Settings.Set(ctx, entity.SettingSchedulerEnabled, v, by)
}

func (s *Service) ToggleAdapterLevelScheduling(ctx context.Context, enabled bool, by string) error {
	v := "false"
	if enabled {
		v = "true"
	}
	return s.Settings.Set(ctx, entity.SettingAdapterLevelScheduling, v, by)
}

func (s *Service) settingBool(ctx context.Context, key string, defaultVal bool) (bool, error) {
	setting, err := s.Settings.Get(ctx, key)
	if err != nil {
		if err == entity.ErrNotFound {
			return defaultVal, nil
		}
		return false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return setting.Value == "true", nil
}

/* ───────── emergency stop ───────── */

// EmergencyStopResult is the shape §6 prescribes for EmergencyStopScraper.
type EmergencyStopResult struct {
	RunsAborted   int
	QueuesCleared int64
}

// EmergencyStopScraper implements the protected operation of §4.F: (1)
// flips the global scheduler-enabled flag false, (2) transitions every
// RUNNING feed run and cycle to FAILED/CANCELLED with finishedAt=now, (3)
// purges every scraper-related queue. Requires code to equal the literal
// EmergencyStopConfirmation.
func (s *Service) EmergencyStopScraper(ctx context.Context, code, by string) (*EmergencyStopResult, error) {
	if code != EmergencyStopConfirmation {
		return nil, ErrBadConfirmation
	}

	if err := s.Settings.Set(ctx, entity.SettingSchedulerEnabled, "false", by); err != nil {
		return nil, fmt.Errorf("disable scheduler flag: %w", err)
	}

	now := s.clock()
	result := &EmergencyStopResult{}

	runs, err := s.FeedRuns.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("list running feed runs: %w", err)
	}
	for _, run := range runs {
		run.Status = entity.FeedRunStatusFailed
		run.FailureCode = "EMERGENCY_STOP"
		run.FailureMessage = "aborted by emergency stop"
		run.FinishedAt = &now
		if err := s.FeedRuns.Update(ctx, run); err != nil {
			slog.Default().Error("emergency stop: failed to abort feed run", slog.String("runId", run.ID), slog.Any("error", err))
			continue
		}
		result.RunsAborted++
	}

	cycles, err := s.Cycles.RunningOlderThan(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list running cycles: %w", err)
	}
	for _, cycle := range cycles {
		cycle.Status = entity.CycleStatusFailed
		cycle.FinishedAt = &now
		if err := s.Cycles.Update(ctx, cycle); err != nil {
			slog.Default().Error("emergency stop: failed to abort cycle", slog.String("cycleId", cycle.ID), slog.Any("error", err))
			continue
		}
		if err := s.Adapters.ClearCycle(ctx, cycle.AdapterID); err != nil {
			slog.Default().Warn("emergency stop: failed to clear adapter cycle binding", slog.String("adapterId", cycle.AdapterID), slog.Any("error", err))
		}
		result.RunsAborted++
	}

	for _, q := range s.Queues {
		cleared, err := q.Purge(ctx)
		if err != nil {
			slog.Default().Error("emergency stop: failed to purge queue", slog.Any("error", err))
			continue
		}
		result.QueuesCleared += cleared
	}

	slog.Default().Warn("emergency stop executed",
		slog.String("by", by),
		slog.Int("runsAborted", result.RunsAborted),
		slog.Int64("queuesCleared", result.QueuesCleared))
	return result, nil
}
