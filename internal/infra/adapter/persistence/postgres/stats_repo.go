package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"priceintel/internal/domain/entity"
)

// StatsRepo is the Postgres StatsSource for the Caliber Snapshot Computer
// (§4.H): one shared, version-pinned query template computes the daily
// best price per product/day, bounds it to price-per-round ∈ (0, 10), and
// reduces that to the count/min/max/percentile/day/product/retailer
// metrics a CaliberMarketSnapshot stores.
//
// The schema here has no per-product rounds-per-unit field, so "price per
// round" is the stored prices.price value directly (Open Question
// decision, see DESIGN.md) rather than price divided by a case quantity.
type StatsRepo struct{ db *sql.DB }

func NewStatsRepo(db *sql.DB) *StatsRepo {
	return &StatsRepo{db: db}
}

const computeStatsQuery = `
WITH raw AS (
	SELECT pr.product_id, pr.retailer_id, pr.price, date_trunc('day', pr.observed_at) AS day
	FROM prices pr
	JOIN products p ON p.id = pr.product_id
	WHERE p.caliber = ANY($1::text[])
	  AND pr.observed_at > $2 AND pr.observed_at <= $3
),
bounded AS (
	SELECT * FROM raw WHERE price > 0 AND price < 10
),
daily_best AS (
	SELECT product_id, day, min(price) AS price
	FROM bounded
	GROUP BY product_id, day
)
SELECT
	count(*),
	min(price), max(price),
	percentile_cont(0.25) WITHIN GROUP (ORDER BY price),
	percentile_cont(0.5) WITHIN GROUP (ORDER BY price),
	percentile_cont(0.75) WITHIN GROUP (ORDER BY price),
	count(DISTINCT day),
	count(DISTINCT product_id),
	(SELECT count(DISTINCT retailer_id) FROM bounded),
	(SELECT count(*) FROM raw) - (SELECT count(*) FROM bounded)
FROM daily_best`

// ComputeStats implements snapshot.StatsSource. caliber itself is treated
// as one more alias so callers don't need to duplicate it into aliases.
func (r *StatsRepo) ComputeStats(ctx context.Context, caliber string, aliases []string, windowDays int, windowEnd time.Time) (*entity.CaliberMarketSnapshot, error) {
	names := append([]string{caliber}, aliases...)
	windowStart := windowEnd.AddDate(0, 0, -windowDays)

	row := r.db.QueryRowContext(ctx, computeStatsQuery, names, windowStart, windowEnd)

	snap := &entity.CaliberMarketSnapshot{}
	err := row.Scan(
		&snap.SampleCount, &snap.Min, &snap.Max, &snap.P25, &snap.Median, &snap.P75,
		&snap.DaysWithData, &snap.ProductCount, &snap.RetailerCount, &snap.DroppedByBounds,
	)
	if err != nil {
		return nil, fmt.Errorf("ComputeStats: %w", err)
	}
	return snap, nil
}
