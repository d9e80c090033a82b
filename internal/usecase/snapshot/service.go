// Package snapshot implements the Caliber Snapshot Computer of spec.md
// §4.H: a repeatable-job consumer that, once per invocation, freezes a
// shared windowEnd and recomputes one CaliberMarketSnapshot per (caliber,
// windowDays) pair via a supersede-then-insert transaction.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"priceintel/internal/domain/entity"
	"priceintel/internal/infra/queue"
	"priceintel/internal/observability/metrics"
	"priceintel/internal/repository"
)

// computationVersion is stamped on every snapshot row, pinning which
// revision of the shared SQL template produced it (§4.H step 2: "a shared,
// version-pinned query template").
const computationVersion = "v1"

// DefaultWindowDays are the (caliber, windowDays) window sizes computed
// each run when the Service isn't configured with its own set. spec.md
// names only the "9mm, windowDays=30" example (§8 scenario 5) without
// fixing the full set; this repo computes a short/medium/long rolling
// window per caliber (Open Question decision, see DESIGN.md).
var DefaultWindowDays = []int{7, 30, 90}

// CaliberDef is one canonical caliber bucket and the alias strings it
// collapses during stats computation (§4.H step 1: "resolve caliber
// aliases").
type CaliberDef struct {
	Name    string
	Aliases []string
}

// DefaultCalibers is the canonical caliber catalog, excluding the "Other"
// catch-all bucket which spec.md explicitly excludes from computation.
// Hand-authored domain data (no example repo in the corpus models
// ammunition calibers); kept as a package var so a deployment can override
// it without forking the Service.
var DefaultCalibers = []CaliberDef{
	{Name: "9mm", Aliases: []string{"9mm Luger", "9x19mm", "9x19", "9mm Parabellum"}},
	{Name: ".223 Rem", Aliases: []string{".223 Remington", ".223", "223 Rem"}},
	{Name: "5.56x45mm NATO", Aliases: []string{"5.56 NATO", "5.56x45", "5.56"}},
	{Name: ".308 Win", Aliases: []string{".308 Winchester", ".308", "7.62x51mm NATO"}},
	{Name: ".45 ACP", Aliases: []string{".45 Auto", "45 ACP"}},
	{Name: ".40 S&W", Aliases: []string{".40 Smith & Wesson", "40 S&W"}},
	{Name: ".22 LR", Aliases: []string{".22 Long Rifle", "22LR"}},
	{Name: "12 Gauge", Aliases: []string{"12ga", "12 ga", "12 Gauge Shotgun"}},
}

// StatsSource executes the shared, version-pinned query template for one
// (caliber, windowDays) pair and returns the computed metrics (§4.H step
// 2). Implemented against Postgres; narrowed to this one method so the
// Service's orchestration (freezing windowEnd, the supersede transaction,
// the insufficient-sample rule) is testable without a live database.
type StatsSource interface {
	ComputeStats(ctx context.Context, caliber string, aliases []string, windowDays int, windowEnd time.Time) (*entity.CaliberMarketSnapshot, error)
}

// Service computes caliber market snapshots.
type Service struct {
	Stats      StatsSource
	Repo       repository.SnapshotRepository
	WindowDays []int
	Calibers   []CaliberDef
	now        func() time.Time
}

func NewService(stats StatsSource, repo repository.SnapshotRepository, windowDays []int, calibers []CaliberDef) *Service {
	return &Service{Stats: stats, Repo: repo, WindowDays: windowDays, Calibers: calibers, now: time.Now}
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Service) windowDays() []int {
	if len(s.WindowDays) > 0 {
		return s.WindowDays
	}
	return DefaultWindowDays
}

func (s *Service) calibers() []CaliberDef {
	if len(s.Calibers) > 0 {
		return s.Calibers
	}
	return DefaultCalibers
}

// Run executes one compute_snapshots job: freezes windowEnd once and
// shares it across every computed (caliber, windowDays) pair (§4.H:
// "identical time bounds within one run is an invariant"), then computes
// each pair independently so one caliber's failure doesn't block the rest.
func (s *Service) Run(ctx context.Context, _ *queue.Job) error {
	windowEnd := s.clock()
	logger := slog.Default().With(slog.Time("window_end", windowEnd))

	var errs []error
	for _, windowDays := range s.windowDays() {
		for _, cal := range s.calibers() {
			if err := s.computeOne(ctx, logger, cal, windowDays, windowEnd); err != nil {
				errs = append(errs, fmt.Errorf("%s/%dd: %w", cal.Name, windowDays, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Service) computeOne(ctx context.Context, logger *slog.Logger, cal CaliberDef, windowDays int, windowEnd time.Time) error {
	start := time.Now()

	snap, err := s.Stats.ComputeStats(ctx, cal.Name, cal.Aliases, windowDays, windowEnd)
	if err != nil {
		return fmt.Errorf("compute stats: %w", err)
	}
	snap.Caliber = cal.Name
	snap.WindowDays = windowDays
	snap.WindowEnd = windowEnd
	snap.Status = entity.SnapshotStatusCurrent
	snap.ComputationVersion = computationVersion

	if snap.Insufficient() {
		snap.Min, snap.Max, snap.P25, snap.Median, snap.P75 = nil, nil, nil, nil, nil
		metrics.RecordSnapshotInsufficient(cal.Name)
	}
	snap.DurationMs = time.Since(start).Milliseconds()

	if err := s.Repo.SupersedeAndInsert(ctx, snap); err != nil {
		if errors.Is(err, entity.ErrAlreadyExists) {
			logger.Warn("snapshot supersede race, skipping caliber",
				slog.String("caliber", cal.Name), slog.Int("window_days", windowDays))
			return nil
		}
		return fmt.Errorf("supersede and insert: %w", err)
	}

	metrics.RecordSnapshotCompute(cal.Name, time.Duration(snap.DurationMs)*time.Millisecond)
	logger.Info("snapshot computed",
		slog.String("caliber", cal.Name),
		slog.Int("window_days", windowDays),
		slog.Int("sample_count", snap.SampleCount),
		slog.Bool("insufficient", snap.Insufficient()))
	return nil
}
