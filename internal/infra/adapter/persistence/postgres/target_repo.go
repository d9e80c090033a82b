package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"priceintel/internal/domain/entity"
	"priceintel/internal/repository"
)

type TargetRepo struct{ db *sql.DB }

func NewTargetRepo(db *sql.DB) repository.TargetRepository {
	return &TargetRepo{db: db}
}

const targetColumns = `id, url, canonical_url, source_id, adapter_id, priority, cron_expression,
       enabled, status, last_status, last_scraped_at, consecutive_failures, robots_path_blocked,
       created_at, updated_at`

func scanTarget(scan func(...any) error) (*entity.ScrapeTarget, error) {
	var t entity.ScrapeTarget
	if err := scan(
		&t.ID, &t.URL, &t.CanonicalURL, &t.SourceID, &t.AdapterID, &t.Priority, &t.CronExpression,
		&t.Enabled, &t.Status, &t.LastStatus, &t.LastScrapedAt, &t.ConsecutiveFailures,
		&t.RobotsPathBlocked, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TargetRepo) Get(ctx context.Context, id string) (*entity.ScrapeTarget, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM scrape_targets WHERE id=$1`, id)
	t, err := scanTarget(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return t, nil
}

// GetByCanonicalURL backs the §3 uniqueness invariant: at most one
// ScrapeTarget per (sourceId, canonicalUrl).
func (r *TargetRepo) GetByCanonicalURL(ctx context.Context, sourceID int64, canonicalURL string) (*entity.ScrapeTarget, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM scrape_targets WHERE source_id=$1 AND canonical_url=$2`, sourceID, canonicalURL)
	t, err := scanTarget(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetByCanonicalURL: %w", err)
	}
	return t, nil
}

func (r *TargetRepo) List(ctx context.Context, adapterID string, limit, offset int) ([]*entity.ScrapeTarget, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+targetColumns+` FROM scrape_targets WHERE adapter_id=$1
ORDER BY id ASC LIMIT $2 OFFSET $3`, adapterID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer rows.Close()
	var out []*entity.ScrapeTarget
	for rows.Next() {
		t, err := scanTarget(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("List: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TargetRepo) Create(ctx context.Context, t *entity.ScrapeTarget) (*entity.ScrapeTarget, error) {
	const query = `
INSERT INTO scrape_targets (id, url, canonical_url, source_id, adapter_id, priority,
       cron_expression, enabled, status, last_status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,true,$8,$9,now(),now())
RETURNING created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		t.ID, t.URL, t.CanonicalURL, t.SourceID, t.AdapterID, t.Priority, t.CronExpression,
		entity.TargetStatusActive, entity.TargetLastStatusSuccess,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, entity.ErrAlreadyExists
		}
		return nil, fmt.Errorf("Create: %w", err)
	}
	t.Enabled = true
	t.Status = entity.TargetStatusActive
	return t, nil
}

func (r *TargetRepo) Update(ctx context.Context, t *entity.ScrapeTarget) error {
	const query = `
UPDATE scrape_targets SET url=$2, canonical_url=$3, priority=$4, cron_expression=$5,
       enabled=$6, status=$7, robots_path_blocked=$8, updated_at=now()
WHERE id=$1`
	_, err := r.db.ExecContext(ctx, query, t.ID, t.URL, t.CanonicalURL, t.Priority,
		t.CronExpression, t.Enabled, t.Status, t.RobotsPathBlocked)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	return nil
}

func (r *TargetRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM scrape_targets WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	return nil
}

// EligibleForCycle orders by (status ASC, priority DESC, createdAt DESC)
// per §4.F and resumes after afterID using lastProcessedTargetId.
func (r *TargetRepo) EligibleForCycle(ctx context.Context, adapterID string, afterID string, batchSize int) ([]*entity.ScrapeTarget, error) {
	const query = `
SELECT ` + targetColumns + ` FROM scrape_targets t
WHERE t.adapter_id=$1 AND t.enabled=true AND t.status='ACTIVE' AND t.robots_path_blocked=false
      AND ($3 = '' OR t.id > $3)
ORDER BY t.status ASC, t.priority DESC, t.created_at DESC
LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, adapterID, batchSize, afterID)
	if err != nil {
		return nil, fmt.Errorf("EligibleForCycle: %w", err)
	}
	defer rows.Close()
	var out []*entity.ScrapeTarget
	for rows.Next() {
		t, err := scanTarget(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("EligibleForCycle: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TargetRepo) CountByLastStatus(ctx context.Context, adapterID string, status entity.TargetLastStatus) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
SELECT count(*) FROM scrape_targets WHERE adapter_id=$1 AND last_status=$2`, adapterID, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountByLastStatus: %w", err)
	}
	return n, nil
}

func (r *TargetRepo) CountPendingGlobal(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
SELECT count(*) FROM scrape_targets WHERE last_status IN ('PENDING_MANUAL','ENQUEUED')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountPendingGlobal: %w", err)
	}
	return n, nil
}

func (r *TargetRepo) SetLastStatus(ctx context.Context, id string, status entity.TargetLastStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE scrape_targets SET last_status=$2, updated_at=now() WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("SetLastStatus: %w", err)
	}
	return nil
}

func (r *TargetRepo) RecordOutcome(ctx context.Context, id string, success bool, scrapedAt time.Time) error {
	if success {
		_, err := r.db.ExecContext(ctx, `
UPDATE scrape_targets SET last_status='SUCCESS', last_scraped_at=$2, consecutive_failures=0, updated_at=now()
WHERE id=$1`, id, scrapedAt)
		if err != nil {
			return fmt.Errorf("RecordOutcome: %w", err)
		}
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE scrape_targets SET last_status='FAILED', last_scraped_at=$2, consecutive_failures=consecutive_failures+1, updated_at=now()
WHERE id=$1`, id, scrapedAt)
	if err != nil {
		return fmt.Errorf("RecordOutcome: %w", err)
	}
	return nil
}

// isUniqueViolation inspects a pgx error for SQLSTATE 23505. Kept local
// (rather than importing pgconn everywhere) since only the Create path
// needs to distinguish this case.
func isUniqueViolation(err error) bool {
	type sqlStater interface{ SQLState() string }
	if se, ok := err.(sqlStater); ok {
		return se.SQLState() == "23505"
	}
	return false
}
