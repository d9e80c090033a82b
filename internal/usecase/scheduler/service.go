// Package scheduler implements the Scheduler of spec.md §4.G: a
// single-instance, advisory-lock-gated periodic loop that claims due
// affiliate feeds and scrape adapters and enqueues their run jobs, and
// keeps the repeatable caliber-snapshot job registered against its
// configured cron. The scheduler, not the worker, owns nextRunAt.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"priceintel/internal/domain/entity"
	"priceintel/internal/domain/runid"
	"priceintel/internal/infra/queue"
	"priceintel/internal/observability/metrics"
	"priceintel/internal/repository"
	"priceintel/internal/usecase/feedworker"
	"priceintel/internal/usecase/scrapecycle"
)

// defaultTickInterval is the scheduler's loop cadence (§4.G: "default every
// 60s").
const defaultTickInterval = 60 * time.Second

// defaultSnapshotCron fires the repeatable snapshot job every 6 hours.
const defaultSnapshotCron = "0 */6 * * *"

// lockTTL bounds how long one tick may hold the scheduler's singleton
// lock; comfortably under defaultTickInterval so a crashed instance's
// lock expires before the next tick from a standby instance would block.
const lockTTL = 50 * time.Second

// cronParser matches internal/pkg/config.ValidateCronSchedule's parser:
// standard five-field cron, no seconds field.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Enqueuer is the subset of *queue.Queue the scheduler depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// CycleTrigger creates a SCHEDULED scrape cycle, satisfied by
// *scrapecycle.Service.
type CycleTrigger interface {
	TriggerScheduledCycle(ctx context.Context, adapterID string) (*entity.ScrapeCycle, error)
}

// Locker runs fn while holding the named advisory lock, satisfied by
// *lock.Service directly — its WithLock signature matches exactly, so no
// adapter struct is needed (unlike feedworker/scrapecycle's TryAcquire
// wrapping, whose *Lock concrete return type does need adapting).
type Locker interface {
	WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error)
}

// Config holds the scheduler's tunables.
type Config struct {
	TickInterval time.Duration
	SnapshotCron string
}

// Service runs the scheduler's periodic loop.
type Service struct {
	FeedRepo      repository.FeedRepository
	AdapterRepo   repository.AdapterRepository
	SettingsRepo  repository.SystemSettingsRepository
	FeedQueue     Enqueuer
	ScrapeQueue   Enqueuer
	SnapshotQueue Enqueuer
	Cycles        CycleTrigger
	Locks         Locker

	tickInterval time.Duration
	snapshotExpr string
	now          func() time.Time

	snapshotMu       sync.Mutex
	snapshotExprSeen string
	snapshotNextAt   *time.Time
}

func NewService(
	feedRepo repository.FeedRepository,
	adapterRepo repository.AdapterRepository,
	settingsRepo repository.SystemSettingsRepository,
	feedQueue, scrapeQueue, snapshotQueue Enqueuer,
	cycles CycleTrigger,
	locks Locker,
	cfg Config,
) *Service {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	snapshotExpr := cfg.SnapshotCron
	if snapshotExpr == "" {
		snapshotExpr = defaultSnapshotCron
	}
	return &Service{
		FeedRepo:      feedRepo,
		AdapterRepo:   adapterRepo,
		SettingsRepo:  settingsRepo,
		FeedQueue:     feedQueue,
		ScrapeQueue:   scrapeQueue,
		SnapshotQueue: snapshotQueue,
		Cycles:        cycles,
		Locks:         locks,
		tickInterval:  interval,
		snapshotExpr:  snapshotExpr,
		now:           time.Now,
	}
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Run drives the tick loop until ctx is cancelled, mirroring the worker's
// cron.New supervisory loop but on a fixed interval rather than a single
// daily cron entry, since §4.G's cadence is a tight poll, not a calendar
// schedule (the calendar schedules live per-feed/per-adapter instead).
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", slog.Duration("tick_interval", s.tickInterval), slog.String("snapshot_cron", s.snapshotExpr))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduler iteration under the singleton advisory lock,
// recording whether it ran or lost the lock to a peer instance.
func (s *Service) Tick(ctx context.Context) {
	start := s.clock()
	ran, err := s.Locks.WithLock(ctx, "scheduler", lockTTL, func(ctx context.Context) error {
		return s.runOnce(ctx, s.clock())
	})
	if err != nil {
		slog.Error("scheduler tick failed", slog.Any("error", err))
	}
	outcome := "lock_contended"
	if ran {
		outcome = "ran"
	}
	metrics.RecordSchedulerTick(outcome, s.clock().Sub(start))
}

// runOnce executes the affiliate, adapter-cycle, and snapshot ticks in
// sequence. A failure in one does not block the others — each is an
// independent claim-and-enqueue pass over a different aggregate.
func (s *Service) runOnce(ctx context.Context, now time.Time) error {
	enabled, err := s.settingEnabled(ctx, entity.SettingSchedulerEnabled, true)
	if err != nil {
		slog.Warn("scheduler: failed to read scheduler_enabled, defaulting to enabled", slog.Any("error", err))
	}
	if !enabled {
		slog.Info("scheduler disabled via system setting, skipping tick")
		return nil
	}

	var errs []error
	if err := s.affiliateTick(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("affiliate tick: %w", err))
	}
	if err := s.adapterCycleTick(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("adapter-cycle tick: %w", err))
	}
	if err := s.snapshotTick(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("snapshot tick: %w", err))
	}
	return errors.Join(errs...)
}

// affiliateTick implements §4.G step 1: CAS-claim due/manual-pending feeds
// and enqueue their feed_run job.
func (s *Service) affiliateTick(ctx context.Context, now time.Time) error {
	feeds, err := s.FeedRepo.DueForSchedule(ctx, now)
	if err != nil {
		return fmt.Errorf("load due feeds: %w", err)
	}
	for _, feed := range feeds {
		next, err := nextCronOccurrence(feed.CronExpression, now)
		if err != nil {
			slog.Warn("feed cron expression invalid, parking feed", slog.Int64("feedId", feed.ID), slog.String("cron", feed.CronExpression), slog.Any("error", err))
			next = nil
		}

		claimed, err := s.FeedRepo.ClaimNextRun(ctx, feed.ID, feed.UpdatedAt, next)
		if err != nil {
			slog.Warn("claim feed run failed", slog.Int64("feedId", feed.ID), slog.Any("error", err))
			continue
		}
		if !claimed {
			metrics.RecordSchedulerClaimConflict("feed")
			continue
		}

		trigger := entity.FeedTriggerScheduled
		if feed.ManualRunPending {
			trigger = entity.FeedTriggerManualPending
		}
		payload, err := json.Marshal(feedworker.JobPayload{FeedID: feed.ID, Trigger: trigger})
		if err != nil {
			slog.Error("marshal feed_run payload failed", slog.Int64("feedId", feed.ID), slog.Any("error", err))
			continue
		}
		job := queue.Job{ID: runid.New(), Kind: "feed_run", Payload: payload}
		if err := s.FeedQueue.Enqueue(ctx, job); err != nil {
			slog.Warn("enqueue feed_run failed", slog.Int64("feedId", feed.ID), slog.Any("error", err))
			continue
		}
		metrics.RecordSchedulerEnqueue("feed_run")
	}
	return nil
}

// adapterCycleTick implements §4.G step 2: when the adapter-level
// scheduling flag is on, claim due idle adapters and enqueue their first
// batch's scrape_cycle job.
func (s *Service) adapterCycleTick(ctx context.Context, now time.Time) error {
	on, err := s.settingEnabled(ctx, entity.SettingAdapterLevelScheduling, false)
	if err != nil {
		slog.Warn("scheduler: failed to read adapter_level_scheduling_enabled, defaulting to off", slog.Any("error", err))
	}
	if !on {
		return nil
	}

	adapters, err := s.AdapterRepo.DueForCycle(ctx, now)
	if err != nil {
		return fmt.Errorf("load due adapters: %w", err)
	}
	for _, adapter := range adapters {
		cycle, err := s.Cycles.TriggerScheduledCycle(ctx, adapter.ID)
		if err != nil {
			switch {
			case errors.Is(err, scrapecycle.ErrCycleAlreadyRunning),
				errors.Is(err, scrapecycle.ErrAdapterNotRunnable),
				errors.Is(err, scrapecycle.ErrNoEligibleTargets):
				metrics.RecordSchedulerClaimConflict("adapter")
			default:
				slog.Warn("trigger scheduled cycle failed", slog.String("adapterId", adapter.ID), slog.Any("error", err))
			}
			continue
		}
		payload, err := json.Marshal(scrapecycle.JobPayload{CycleID: cycle.ID, AdapterID: adapter.ID})
		if err != nil {
			slog.Error("marshal scrape_cycle payload failed", slog.String("adapterId", adapter.ID), slog.Any("error", err))
			continue
		}
		job := queue.Job{ID: runid.New(), Kind: "scrape_cycle", Payload: payload}
		if err := s.ScrapeQueue.Enqueue(ctx, job); err != nil {
			slog.Warn("enqueue scrape_cycle failed", slog.String("adapterId", adapter.ID), slog.Any("error", err))
			continue
		}
		metrics.RecordSchedulerEnqueue("scrape_cycle")
	}
	return nil
}

// snapshotTick implements §4.G step 3: ensures the repeatable
// compute-caliber-snapshots job exists at the configured cron, re-deriving
// its next fire time whenever the configured expression changes.
func (s *Service) snapshotTick(ctx context.Context, now time.Time) error {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()

	if s.snapshotExprSeen != s.snapshotExpr || s.snapshotNextAt == nil {
		next, err := nextCronOccurrence(s.snapshotExpr, now)
		if err != nil {
			return fmt.Errorf("parse snapshot cron %q: %w", s.snapshotExpr, err)
		}
		s.snapshotNextAt = next
		s.snapshotExprSeen = s.snapshotExpr
		slog.Info("snapshot job re-registered", slog.String("cron", s.snapshotExpr), slog.Time("next", *next))
	}

	if s.snapshotNextAt == nil || now.Before(*s.snapshotNextAt) {
		return nil
	}

	job := queue.Job{ID: runid.New(), Kind: "compute_snapshots", Payload: json.RawMessage("{}")}
	if err := s.SnapshotQueue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue compute_snapshots: %w", err)
	}
	metrics.RecordSchedulerEnqueue("compute_snapshots")

	next, err := nextCronOccurrence(s.snapshotExpr, now)
	if err != nil {
		return fmt.Errorf("parse snapshot cron %q: %w", s.snapshotExpr, err)
	}
	s.snapshotNextAt = next
	return nil
}

// settingEnabled reads a boolean system setting, falling back to
// defaultVal (and returning the read error, if any) when the row is
// absent — scheduler_enabled fails open (missing row = enabled),
// adapter_level_scheduling_enabled fails closed (missing row = off).
func (s *Service) settingEnabled(ctx context.Context, key string, defaultVal bool) (bool, error) {
	setting, err := s.SettingsRepo.Get(ctx, key)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return defaultVal, nil
		}
		return defaultVal, err
	}
	return setting.Value == "true", nil
}

// nextCronOccurrence parses expr with the standard five-field parser and
// returns the next fire time strictly after 'after', in UTC (§4.G:
// "computing nextRunAt uses ... cron expression in UTC").
func nextCronOccurrence(expr string, after time.Time) (*time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	next := schedule.Next(after.UTC())
	return &next, nil
}
