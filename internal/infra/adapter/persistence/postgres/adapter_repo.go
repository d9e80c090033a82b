package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"priceintel/internal/domain/entity"
	"priceintel/internal/repository"
)

type AdapterRepo struct{ db *sql.DB }

func NewAdapterRepo(db *sql.DB) repository.AdapterRepository {
	return &AdapterRepo{db: db}
}

const adapterColumns = `id, enabled, ingestion_paused, ingestion_paused_by, ingestion_paused_at,
       ingestion_paused_reason, schedule, cycle_timeout_minutes, current_cycle_id,
       last_cycle_started_at, consecutive_failed_batches, disabled_at, disabled_reason,
       baseline_failure_rate, baseline_yield_rate, baseline_sample_size, baseline_updated_at,
       adapter_level_scheduling_on, driver, extraction_config, created_at, updated_at`

func scanAdapter(scan func(...any) error) (*entity.ScrapeAdapter, error) {
	var a entity.ScrapeAdapter
	var extractionConfig []byte
	if err := scan(
		&a.ID, &a.Enabled, &a.IngestionPaused, &a.IngestionPausedBy, &a.IngestionPausedAt,
		&a.IngestionPausedReason, &a.Schedule, &a.CycleTimeoutMinutes, &a.CurrentCycleID,
		&a.LastCycleStartedAt, &a.ConsecutiveFailedBatches, &a.DisabledAt, &a.DisabledReason,
		&a.Baseline.FailureRate, &a.Baseline.YieldRate, &a.Baseline.SampleSize, &a.Baseline.UpdatedAt,
		&a.AdapterLevelSchedulingOn, &a.Driver, &extractionConfig, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(extractionConfig) > 0 {
		if err := json.Unmarshal(extractionConfig, &a.ExtractionConfig); err != nil {
			return nil, fmt.Errorf("scanAdapter: decode extraction_config: %w", err)
		}
	}
	return &a, nil
}

func (r *AdapterRepo) Get(ctx context.Context, id string) (*entity.ScrapeAdapter, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+adapterColumns+` FROM scrape_adapter_status WHERE id=$1`, id)
	a, err := scanAdapter(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return a, nil
}

func (r *AdapterRepo) List(ctx context.Context) ([]*entity.ScrapeAdapter, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+adapterColumns+` FROM scrape_adapter_status ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer rows.Close()
	var out []*entity.ScrapeAdapter
	for rows.Next() {
		a, err := scanAdapter(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("List: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AdapterRepo) Upsert(ctx context.Context, a *entity.ScrapeAdapter) error {
	extractionConfig, err := json.Marshal(a.ExtractionConfig)
	if err != nil {
		return fmt.Errorf("Upsert: encode extraction_config: %w", err)
	}
	const query = `
INSERT INTO scrape_adapter_status (id, enabled, ingestion_paused, schedule, cycle_timeout_minutes,
       adapter_level_scheduling_on, driver, extraction_config, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
ON CONFLICT (id) DO UPDATE SET
       enabled=EXCLUDED.enabled, schedule=EXCLUDED.schedule,
       cycle_timeout_minutes=EXCLUDED.cycle_timeout_minutes, driver=EXCLUDED.driver,
       extraction_config=EXCLUDED.extraction_config, updated_at=now()`
	_, err = r.db.ExecContext(ctx, query, a.ID, a.Enabled, a.IngestionPaused, a.Schedule,
		a.CycleTimeoutMinutes, a.AdapterLevelSchedulingOn, a.Driver, extractionConfig)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	return nil
}

// DueForCycle implements §4.G's adapter-cycle tick: enabled, unpaused, idle
// adapters (no currentCycleId) whose cron has fired.
func (r *AdapterRepo) DueForCycle(ctx context.Context, now time.Time) ([]*entity.ScrapeAdapter, error) {
	const query = `
SELECT ` + adapterColumns + ` FROM scrape_adapter_status
WHERE enabled=true AND ingestion_paused=false AND current_cycle_id IS NULL
      AND adapter_level_scheduling_on=true`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("DueForCycle: %w", err)
	}
	defer rows.Close()
	var out []*entity.ScrapeAdapter
	for rows.Next() {
		a, err := scanAdapter(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("DueForCycle: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *AdapterRepo) ClaimCycle(ctx context.Context, adapterID, cycleID string, startedAt time.Time) (bool, error) {
	const query = `
UPDATE scrape_adapter_status SET current_cycle_id=$2, last_cycle_started_at=$3, updated_at=now()
WHERE id=$1 AND current_cycle_id IS NULL`
	res, err := r.db.ExecContext(ctx, query, adapterID, cycleID, startedAt)
	if err != nil {
		return false, fmt.Errorf("ClaimCycle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ClaimCycle: %w", err)
	}
	return n == 1, nil
}

func (r *AdapterRepo) ClearCycle(ctx context.Context, adapterID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE scrape_adapter_status SET current_cycle_id=NULL, updated_at=now() WHERE id=$1`, adapterID)
	if err != nil {
		return fmt.Errorf("ClearCycle: %w", err)
	}
	return nil
}

func (r *AdapterRepo) ToggleEnabled(ctx context.Context, adapterID string, enabled bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE scrape_adapter_status SET enabled=$2, updated_at=now() WHERE id=$1`, adapterID, enabled)
	if err != nil {
		return fmt.Errorf("ToggleEnabled: %w", err)
	}
	return nil
}

func (r *AdapterRepo) TogglePaused(ctx context.Context, adapterID string, paused bool, by, reason string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE scrape_adapter_status SET ingestion_paused=$2, ingestion_paused_by=$3,
       ingestion_paused_reason=$4, ingestion_paused_at=now(), updated_at=now() WHERE id=$1`,
		adapterID, paused, by, reason)
	if err != nil {
		return fmt.Errorf("TogglePaused: %w", err)
	}
	return nil
}

func (r *AdapterRepo) ResetFailures(ctx context.Context, adapterID string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE scrape_adapter_status SET consecutive_failed_batches=0, disabled_at=NULL,
       disabled_reason=NULL, updated_at=now() WHERE id=$1`, adapterID)
	if err != nil {
		return fmt.Errorf("ResetFailures: %w", err)
	}
	return nil
}

func (r *AdapterRepo) UpdateSchedule(ctx context.Context, adapterID, cron string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE scrape_adapter_status SET schedule=$2, updated_at=now() WHERE id=$1`, adapterID, cron)
	if err != nil {
		return fmt.Errorf("UpdateSchedule: %w", err)
	}
	return nil
}

func (r *AdapterRepo) IncrementConsecutiveFailedBatches(ctx context.Context, adapterID string) (*entity.ScrapeAdapter, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE scrape_adapter_status SET consecutive_failed_batches=consecutive_failed_batches+1, updated_at=now()
WHERE id=$1 RETURNING `+adapterColumns, adapterID)
	a, err := scanAdapter(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("IncrementConsecutiveFailedBatches: %w", err)
	}
	return a, nil
}

func (r *AdapterRepo) ResetConsecutiveFailedBatches(ctx context.Context, adapterID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE scrape_adapter_status SET consecutive_failed_batches=0, updated_at=now() WHERE id=$1`, adapterID)
	if err != nil {
		return fmt.Errorf("ResetConsecutiveFailedBatches: %w", err)
	}
	return nil
}

func (r *AdapterRepo) Disable(ctx context.Context, adapterID string, reason entity.AdapterDisabledReason) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE scrape_adapter_status SET enabled=false, disabled_at=now(), disabled_reason=$2, updated_at=now()
WHERE id=$1`, adapterID, reason)
	if err != nil {
		return fmt.Errorf("Disable: %w", err)
	}
	return nil
}
