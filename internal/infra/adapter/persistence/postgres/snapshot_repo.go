package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"priceintel/internal/domain/entity"
	"priceintel/internal/repository"
)

type SnapshotRepo struct{ db *sql.DB }

func NewSnapshotRepo(db *sql.DB) repository.SnapshotRepository {
	return &SnapshotRepo{db: db}
}

const snapshotColumns = `id, caliber, window_days, status, window_end, sample_count, min, max,
       p25, median, p75, days_with_data, product_count, retailer_count, dropped_by_bounds,
       computation_version, duration_ms, created_at`

// SupersedeAndInsert is the transactional SUPERSEDE+INSERT of §4.H: any
// existing CURRENT row for (caliber, windowDays) is superseded, then the new
// row is inserted CURRENT, in one transaction. A concurrent run racing on
// the same key surfaces as entity.ErrAlreadyExists (§4.H: "log and skip").
func (r *SnapshotRepo) SupersedeAndInsert(ctx context.Context, snap *entity.CaliberMarketSnapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SupersedeAndInsert: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
UPDATE caliber_market_snapshots SET status='SUPERSEDED'
WHERE caliber=$1 AND window_days=$2 AND status='CURRENT'`, snap.Caliber, snap.WindowDays); err != nil {
		return fmt.Errorf("SupersedeAndInsert: supersede: %w", err)
	}

	const insert = `
INSERT INTO caliber_market_snapshots (caliber, window_days, status, window_end, sample_count,
       min, max, p25, median, p75, days_with_data, product_count, retailer_count,
       dropped_by_bounds, computation_version, duration_ms, created_at)
VALUES ($1,$2,'CURRENT',$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now())
RETURNING id, created_at`
	err = tx.QueryRowContext(ctx, insert,
		snap.Caliber, snap.WindowDays, snap.WindowEnd, snap.SampleCount, snap.Min, snap.Max,
		snap.P25, snap.Median, snap.P75, snap.DaysWithData, snap.ProductCount, snap.RetailerCount,
		snap.DroppedByBounds, snap.ComputationVersion, snap.DurationMs,
	).Scan(&snap.ID, &snap.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return entity.ErrAlreadyExists
		}
		return fmt.Errorf("SupersedeAndInsert: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SupersedeAndInsert: commit: %w", err)
	}
	snap.Status = entity.SnapshotStatusCurrent
	return nil
}

func (r *SnapshotRepo) Current(ctx context.Context, caliber string, windowDays int) (*entity.CaliberMarketSnapshot, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+snapshotColumns+` FROM caliber_market_snapshots
WHERE caliber=$1 AND window_days=$2 AND status='CURRENT'`, caliber, windowDays)
	var s entity.CaliberMarketSnapshot
	err := row.Scan(
		&s.ID, &s.Caliber, &s.WindowDays, &s.Status, &s.WindowEnd, &s.SampleCount, &s.Min, &s.Max,
		&s.P25, &s.Median, &s.P75, &s.DaysWithData, &s.ProductCount, &s.RetailerCount,
		&s.DroppedByBounds, &s.ComputationVersion, &s.DurationMs, &s.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Current: %w", err)
	}
	return &s, nil
}
