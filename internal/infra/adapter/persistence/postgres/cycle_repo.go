package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"priceintel/internal/domain/entity"
	"priceintel/internal/repository"
)

type CycleRepo struct{ db *sql.DB }

func NewCycleRepo(db *sql.DB) repository.CycleRepository {
	return &CycleRepo{db: db}
}

const cycleColumns = `id, adapter_id, trigger, status, total_targets, targets_completed,
       targets_failed, targets_skipped, offers_extracted, offers_valid,
       last_processed_target_id, started_at, finished_at`

func scanCycle(scan func(...any) error) (*entity.ScrapeCycle, error) {
	var c entity.ScrapeCycle
	if err := scan(
		&c.ID, &c.AdapterID, &c.Trigger, &c.Status, &c.TotalTargets, &c.TargetsCompleted,
		&c.TargetsFailed, &c.TargetsSkipped, &c.OffersExtracted, &c.OffersValid,
		&c.LastProcessedTargetID, &c.StartedAt, &c.FinishedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CycleRepo) Get(ctx context.Context, id string) (*entity.ScrapeCycle, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM scrape_cycles WHERE id=$1`, id)
	c, err := scanCycle(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return c, nil
}

func (r *CycleRepo) Create(ctx context.Context, c *entity.ScrapeCycle) error {
	const query = `
INSERT INTO scrape_cycles (id, adapter_id, trigger, status, total_targets, targets_completed,
       targets_failed, targets_skipped, offers_extracted, offers_valid, started_at)
VALUES ($1,$2,$3,$4,$5,0,0,0,0,0,$6)`
	_, err := r.db.ExecContext(ctx, query, c.ID, c.AdapterID, c.Trigger, c.Status, c.TotalTargets, c.StartedAt)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *CycleRepo) Update(ctx context.Context, c *entity.ScrapeCycle) error {
	const query = `
UPDATE scrape_cycles SET status=$2, finished_at=$3 WHERE id=$1`
	_, err := r.db.ExecContext(ctx, query, c.ID, c.Status, c.FinishedAt)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	return nil
}

// IncrementCounters applies one target completion's deltas atomically,
// advancing lastProcessedTargetId for crash resumption (§4.F).
func (r *CycleRepo) IncrementCounters(ctx context.Context, id string, completed, failed, skipped, offersExtracted, offersValid int, lastProcessedTargetID string) error {
	const query = `
UPDATE scrape_cycles SET
       targets_completed = targets_completed + $2,
       targets_failed = targets_failed + $3,
       targets_skipped = targets_skipped + $4,
       offers_extracted = offers_extracted + $5,
       offers_valid = offers_valid + $6,
       last_processed_target_id = $7
WHERE id=$1`
	_, err := r.db.ExecContext(ctx, query, id, completed, failed, skipped, offersExtracted, offersValid, lastProcessedTargetID)
	if err != nil {
		return fmt.Errorf("IncrementCounters: %w", err)
	}
	return nil
}

// RunningOlderThan finds cycles still RUNNING past their cycleTimeoutMinutes
// deadline, for the scheduler's timeout sweep (§5).
func (r *CycleRepo) RunningOlderThan(ctx context.Context, cutoff time.Time) ([]*entity.ScrapeCycle, error) {
	const query = `SELECT ` + cycleColumns + ` FROM scrape_cycles WHERE status='RUNNING' AND started_at < $1`
	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("RunningOlderThan: %w", err)
	}
	defer rows.Close()
	var out []*entity.ScrapeCycle
	for rows.Next() {
		c, err := scanCycle(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("RunningOlderThan: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
