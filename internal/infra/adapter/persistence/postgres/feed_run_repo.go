package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"priceintel/internal/domain/entity"
	"priceintel/internal/repository"
)

type FeedRunRepo struct{ db *sql.DB }

func NewFeedRunRepo(db *sql.DB) repository.FeedRunRepository {
	return &FeedRunRepo{db: db}
}

const feedRunColumns = `id, feed_id, source_id, trigger, status, started_at, finished_at,
       run_observed_at, download_bytes, rows_read, rows_parsed, products_upserted,
       prices_written, products_rejected, duplicate_key_count, url_hash_fallback_count,
       error_count, active_count_before, seen_success_count, would_expire_count,
       missing_brand_count, skipped_reason, failure_kind, failure_code, failure_message,
       correlation_id, is_partial, expiry_blocked, expiry_blocked_reason, ignored_at`

func scanFeedRun(scan func(...any) error) (*entity.AffiliateFeedRun, error) {
	var r entity.AffiliateFeedRun
	if err := scan(
		&r.ID, &r.FeedID, &r.SourceID, &r.Trigger, &r.Status, &r.StartedAt, &r.FinishedAt,
		&r.RunObservedAt, &r.Metrics.DownloadBytes, &r.Metrics.RowsRead, &r.Metrics.RowsParsed,
		&r.Metrics.ProductsUpserted, &r.Metrics.PricesWritten, &r.Metrics.ProductsRejected,
		&r.Metrics.DuplicateKeyCount, &r.Metrics.URLHashFallbackCount, &r.Metrics.ErrorCount,
		&r.Metrics.ActiveCountBefore, &r.Metrics.SeenSuccessCount, &r.Metrics.WouldExpireCount,
		&r.Metrics.MissingBrandCount, &r.SkippedReason, &r.FailureKind, &r.FailureCode,
		&r.FailureMessage, &r.CorrelationID, &r.IsPartial, &r.ExpiryBlocked,
		&r.ExpiryBlockedReason, &r.IgnoredAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

func (repo *FeedRunRepo) Create(ctx context.Context, r *entity.AffiliateFeedRun) error {
	const query = `
INSERT INTO affiliate_feed_runs (id, feed_id, source_id, trigger, status, started_at, run_observed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := repo.db.ExecContext(ctx, query, r.ID, r.FeedID, r.SourceID, r.Trigger, r.Status, r.StartedAt, r.RunObservedAt)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (repo *FeedRunRepo) Get(ctx context.Context, id string) (*entity.AffiliateFeedRun, error) {
	row := repo.db.QueryRowContext(ctx, `SELECT `+feedRunColumns+` FROM affiliate_feed_runs WHERE id=$1`, id)
	r, err := scanFeedRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return r, nil
}

func (repo *FeedRunRepo) FindRecentRunning(ctx context.Context, feedID int64, trigger entity.FeedTrigger, since time.Time) (*entity.AffiliateFeedRun, error) {
	const query = `
SELECT ` + feedRunColumns + ` FROM affiliate_feed_runs
WHERE feed_id=$1 AND trigger=$2 AND status=$3 AND started_at >= $4
ORDER BY started_at DESC LIMIT 1`
	row := repo.db.QueryRowContext(ctx, query, feedID, trigger, entity.FeedRunStatusRunning, since)
	r, err := scanFeedRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("FindRecentRunning: %w", err)
	}
	return r, nil
}

func (repo *FeedRunRepo) MostRecentSucceeded(ctx context.Context, feedID int64) (*entity.AffiliateFeedRun, error) {
	const query = `
SELECT ` + feedRunColumns + ` FROM affiliate_feed_runs
WHERE feed_id=$1 AND status=$2 AND ignored_at IS NULL
ORDER BY finished_at DESC LIMIT 1`
	row := repo.db.QueryRowContext(ctx, query, feedID, entity.FeedRunStatusSucceeded)
	r, err := scanFeedRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("MostRecentSucceeded: %w", err)
	}
	return r, nil
}

// ListRunning returns every RUNNING run across all feeds (emergency stop, §4.F).
func (repo *FeedRunRepo) ListRunning(ctx context.Context) ([]*entity.AffiliateFeedRun, error) {
	rows, err := repo.db.QueryContext(ctx, `SELECT `+feedRunColumns+` FROM affiliate_feed_runs WHERE status=$1`, entity.FeedRunStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("ListRunning: %w", err)
	}
	defer rows.Close()

	var out []*entity.AffiliateFeedRun
	for rows.Next() {
		r, err := scanFeedRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("ListRunning: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (repo *FeedRunRepo) Update(ctx context.Context, r *entity.AffiliateFeedRun) error {
	const query = `
UPDATE affiliate_feed_runs SET status=$2, finished_at=$3, download_bytes=$4, rows_read=$5,
       rows_parsed=$6, products_upserted=$7, prices_written=$8, products_rejected=$9,
       duplicate_key_count=$10, url_hash_fallback_count=$11, error_count=$12,
       active_count_before=$13, seen_success_count=$14, would_expire_count=$15,
       missing_brand_count=$16, skipped_reason=$17, failure_kind=$18, failure_code=$19,
       failure_message=$20, correlation_id=$21, is_partial=$22, expiry_blocked=$23,
       expiry_blocked_reason=$24
WHERE id=$1`
	_, err := repo.db.ExecContext(ctx, query,
		r.ID, r.Status, r.FinishedAt, r.Metrics.DownloadBytes, r.Metrics.RowsRead,
		r.Metrics.RowsParsed, r.Metrics.ProductsUpserted, r.Metrics.PricesWritten,
		r.Metrics.ProductsRejected, r.Metrics.DuplicateKeyCount, r.Metrics.URLHashFallbackCount,
		r.Metrics.ErrorCount, r.Metrics.ActiveCountBefore, r.Metrics.SeenSuccessCount,
		r.Metrics.WouldExpireCount, r.Metrics.MissingBrandCount, r.SkippedReason, r.FailureKind,
		r.FailureCode, r.FailureMessage, r.CorrelationID, r.IsPartial, r.ExpiryBlocked,
		r.ExpiryBlockedReason,
	)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	return nil
}

// RecordRowErrors persists the first-100 row-level parse errors (§4.E
// phase 1, §7 propagation).
func (repo *FeedRunRepo) RecordRowErrors(ctx context.Context, runID string, errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) > 100 {
		errs = errs[:100]
	}
	var sb strings.Builder
	args := []any{runID}
	sb.WriteString("INSERT INTO affiliate_feed_run_errors (run_id, row_index, message) VALUES ")
	for i, e := range errs {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "($1,$%d,$%d)", i*2+2, i*2+3)
		args = append(args, i, e)
	}
	_, err := repo.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("RecordRowErrors: %w", err)
	}
	return nil
}
