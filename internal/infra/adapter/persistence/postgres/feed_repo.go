package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"priceintel/internal/domain/entity"
	"priceintel/internal/repository"
)

type FeedRepo struct{ db *sql.DB }

func NewFeedRepo(db *sql.DB) repository.FeedRepository {
	return &FeedRepo{db: db}
}

const feedColumns = `id, source_id, transport, format, schedule_frequency_hrs, expiry_hours,
       max_row_count, last_run_mtime, last_run_size, last_run_content_hash,
       consecutive_failures, manual_run_pending, status, cron_expression, next_run_at,
       created_at, updated_at`

func scanFeed(scan func(...any) error) (*entity.AffiliateFeed, error) {
	var f entity.AffiliateFeed
	if err := scan(
		&f.ID, &f.SourceID, &f.Transport, &f.Format, &f.ScheduleFrequencyHrs, &f.ExpiryHours,
		&f.MaxRowCount, &f.LastRun.Mtime, &f.LastRun.Size, &f.LastRun.ContentHash,
		&f.ConsecutiveFailures, &f.ManualRunPending, &f.Status, &f.CronExpression, &f.NextRunAt,
		&f.CreatedAt, &f.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *FeedRepo) Get(ctx context.Context, id int64) (*entity.AffiliateFeed, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM affiliate_feeds WHERE id=$1`, id)
	f, err := scanFeed(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return f, nil
}

func (r *FeedRepo) List(ctx context.Context) ([]*entity.AffiliateFeed, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+feedColumns+` FROM affiliate_feeds ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer rows.Close()
	var out []*entity.AffiliateFeed
	for rows.Next() {
		f, err := scanFeed(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("List: scan: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *FeedRepo) Create(ctx context.Context, f *entity.AffiliateFeed) (*entity.AffiliateFeed, error) {
	const query = `
INSERT INTO affiliate_feeds (source_id, transport, format, schedule_frequency_hrs, expiry_hours,
       max_row_count, consecutive_failures, manual_run_pending, status, cron_expression,
       created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,0,false,$7,$8,now(),now())
RETURNING id, created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		f.SourceID, f.Transport, f.Format, f.ScheduleFrequencyHrs, f.ExpiryHours,
		f.MaxRowCount, entity.FeedStatusDraft, f.CronExpression,
	).Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	f.Status = entity.FeedStatusDraft
	return f, nil
}

// DueForSchedule implements §4.G's affiliate-tick selection:
// status=ACTIVE and (nextRunAt<=now or manualRunPending=true).
func (r *FeedRepo) DueForSchedule(ctx context.Context, now time.Time) ([]*entity.AffiliateFeed, error) {
	const query = `
SELECT ` + feedColumns + ` FROM affiliate_feeds
WHERE status = $1 AND (next_run_at <= $2 OR manual_run_pending = true)`
	rows, err := r.db.QueryContext(ctx, query, entity.FeedStatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("DueForSchedule: %w", err)
	}
	defer rows.Close()
	var out []*entity.AffiliateFeed
	for rows.Next() {
		f, err := scanFeed(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("DueForSchedule: scan: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ClaimNextRun is the compare-and-swap update from §4.G: advances
// next_run_at only if updated_at still equals expectedUpdatedAt, so two
// scheduler ticks racing on the same feed enqueue at most once.
func (r *FeedRepo) ClaimNextRun(ctx context.Context, feedID int64, expectedUpdatedAt time.Time, nextRun *time.Time) (bool, error) {
	const query = `
UPDATE affiliate_feeds SET next_run_at=$3, manual_run_pending=false, updated_at=now()
WHERE id=$1 AND updated_at=$2`
	res, err := r.db.ExecContext(ctx, query, feedID, expectedUpdatedAt, nextRun)
	if err != nil {
		return false, fmt.Errorf("ClaimNextRun: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ClaimNextRun: %w", err)
	}
	return n == 1, nil
}

func (r *FeedRepo) ClearManualRunPending(ctx context.Context, feedID int64, expectedUpdatedAt time.Time) (bool, error) {
	const query = `
UPDATE affiliate_feeds SET manual_run_pending=false, updated_at=now()
WHERE id=$1 AND updated_at=$2`
	res, err := r.db.ExecContext(ctx, query, feedID, expectedUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("ClearManualRunPending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ClearManualRunPending: %w", err)
	}
	return n == 1, nil
}

// RecordOutcome applies §4.E finalization: reset consecutiveFailures and
// persist the feed memo on success; increment and possibly auto-disable on
// failure.
func (r *FeedRepo) RecordOutcome(ctx context.Context, feedID int64, succeeded bool, memo entity.FeedMemo) (*entity.AffiliateFeed, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("RecordOutcome: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM affiliate_feeds WHERE id=$1 FOR UPDATE`, feedID)
	f, err := scanFeed(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("RecordOutcome: select: %w", err)
	}

	if succeeded {
		f.ConsecutiveFailures = 0
		f.LastRun = memo
		if _, err := tx.ExecContext(ctx, `
UPDATE affiliate_feeds SET consecutive_failures=0, last_run_mtime=$2, last_run_size=$3,
       last_run_content_hash=$4, updated_at=now() WHERE id=$1`,
			feedID, memo.Mtime, memo.Size, memo.ContentHash); err != nil {
			return nil, fmt.Errorf("RecordOutcome: update success: %w", err)
		}
	} else {
		f.ConsecutiveFailures++
		status := f.Status
		var nextRunAt *time.Time
		if f.ShouldAutoDisable() {
			status = entity.FeedStatusDisabled
			nextRunAt = nil
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE affiliate_feeds SET consecutive_failures=$2, status=$3, next_run_at=$4, updated_at=now()
WHERE id=$1`, feedID, f.ConsecutiveFailures, status, nextRunAt); err != nil {
			return nil, fmt.Errorf("RecordOutcome: update failure: %w", err)
		}
		f.Status = status
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("RecordOutcome: commit: %w", err)
	}
	return f, nil
}
