// Package postgres implements the repository interfaces against Postgres
// via database/sql + the pgx/v5 stdlib driver, following the teacher's
// raw-SQL repository pattern (no ORM, no query builder beyond string
// templates).
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"priceintel/internal/domain/entity"
	"priceintel/internal/repository"
)

type SourceRepo struct{ db *sql.DB }

func NewSourceRepo(db *sql.DB) repository.SourceRepository {
	return &SourceRepo{db: db}
}

func scanSource(scan func(...any) error) (*entity.Source, error) {
	var s entity.Source
	if err := scan(
		&s.ID, &s.Name, &s.RetailerRef, &s.ScrapeEnabled, &s.RobotsCompliant,
		&s.TosApprovedAt, &s.TosApproverID, &s.AdapterID, &s.FeedHashMemo,
		&s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SourceRepo) Get(ctx context.Context, id int64) (*entity.Source, error) {
	const query = `
SELECT id, name, retailer_ref, scrape_enabled, robots_compliant, tos_approved_at,
       tos_approver_id, adapter_id, feed_hash_memo, created_at, updated_at
FROM sources WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, id)
	s, err := scanSource(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return s, nil
}

func (r *SourceRepo) List(ctx context.Context) ([]*entity.Source, error) {
	const query = `
SELECT id, name, retailer_ref, scrape_enabled, robots_compliant, tos_approved_at,
       tos_approver_id, adapter_id, feed_hash_memo, created_at, updated_at
FROM sources ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer rows.Close()

	var out []*entity.Source
	for rows.Next() {
		s, err := scanSource(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("List: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SourceRepo) Create(ctx context.Context, s *entity.Source) (*entity.Source, error) {
	const query = `
INSERT INTO sources (name, retailer_ref, scrape_enabled, robots_compliant, tos_approved_at,
                      tos_approver_id, adapter_id, feed_hash_memo, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
RETURNING id, created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		s.Name, s.RetailerRef, s.ScrapeEnabled, s.RobotsCompliant, s.TosApprovedAt,
		s.TosApproverID, s.AdapterID, s.FeedHashMemo,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	return s, nil
}

func (r *SourceRepo) Update(ctx context.Context, s *entity.Source) error {
	const query = `
UPDATE sources SET name=$2, retailer_ref=$3, scrape_enabled=$4, robots_compliant=$5,
       tos_approved_at=$6, tos_approver_id=$7, adapter_id=$8, feed_hash_memo=$9, updated_at=now()
WHERE id=$1`
	res, err := r.db.ExecContext(ctx, query,
		s.ID, s.Name, s.RetailerRef, s.ScrapeEnabled, s.RobotsCompliant,
		s.TosApprovedAt, s.TosApproverID, s.AdapterID, s.FeedHashMemo,
	)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	if n == 0 {
		return entity.ErrNotFound
	}
	return nil
}
