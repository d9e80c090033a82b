package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"priceintel/internal/domain/entity"
	"priceintel/internal/repository"
)

// SettingsRepo is the system_settings store of §9: global mutable state
// (feature flags, scheduler-enabled) modeled as rows, writes stamping
// updatedBy. Cache-busting is layered above this repo in
// internal/usecase/admin, not here.
type SettingsRepo struct{ db *sql.DB }

func NewSettingsRepo(db *sql.DB) repository.SystemSettingsRepository {
	return &SettingsRepo{db: db}
}

func (r *SettingsRepo) Get(ctx context.Context, key string) (*entity.SystemSetting, error) {
	row := r.db.QueryRowContext(ctx, `SELECT key, value, updated_at, updated_by FROM system_settings WHERE key=$1`, key)
	var s entity.SystemSetting
	err := row.Scan(&s.Key, &s.Value, &s.UpdatedAt, &s.UpdatedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return &s, nil
}

func (r *SettingsRepo) Set(ctx context.Context, key, value, updatedBy string) error {
	const query = `
INSERT INTO system_settings (key, value, updated_at, updated_by)
VALUES ($1,$2,now(),$3)
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=now(), updated_by=EXCLUDED.updated_by`
	_, err := r.db.ExecContext(ctx, query, key, value, updatedBy)
	if err != nil {
		return fmt.Errorf("Set: %w", err)
	}
	return nil
}

// WatchlistRepo is the read side of §4.I Alert Dispatcher.
type WatchlistRepo struct{ db *sql.DB }

func NewWatchlistRepo(db *sql.DB) repository.WatchlistRepository {
	return &WatchlistRepo{db: db}
}

func (r *WatchlistRepo) ListForProduct(ctx context.Context, productID int64) ([]*entity.WatchlistItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, product_id, user_id, last_price_notified_at, last_notified_at
FROM watchlist_items WHERE product_id=$1`, productID)
	if err != nil {
		return nil, fmt.Errorf("ListForProduct: %w", err)
	}
	defer rows.Close()
	var out []*entity.WatchlistItem
	for rows.Next() {
		var w entity.WatchlistItem
		if err := rows.Scan(&w.ID, &w.ProductID, &w.UserID, &w.LastPriceNotifiedAt, &w.LastNotifiedAt); err != nil {
			return nil, fmt.Errorf("ListForProduct: scan: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (r *WatchlistRepo) ListAlertsForItem(ctx context.Context, itemID int64) ([]*entity.Alert, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, watchlist_item_id, enabled, rule_type, min_drop_percent, min_drop_absolute,
       cooldown_minutes, tier
FROM alerts WHERE watchlist_item_id=$1 AND enabled=true`, itemID)
	if err != nil {
		return nil, fmt.Errorf("ListAlertsForItem: %w", err)
	}
	defer rows.Close()
	var out []*entity.Alert
	for rows.Next() {
		var a entity.Alert
		if err := rows.Scan(&a.ID, &a.WatchlistItemID, &a.Enabled, &a.RuleType, &a.MinDropPercent,
			&a.MinDropAbsolute, &a.CooldownMinutes, &a.Tier); err != nil {
			return nil, fmt.Errorf("ListAlertsForItem: scan: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r *WatchlistRepo) MarkNotified(ctx context.Context, itemID int64, priceNotified bool, at time.Time) error {
	if priceNotified {
		_, err := r.db.ExecContext(ctx, `
UPDATE watchlist_items SET last_price_notified_at=$2, last_notified_at=$2 WHERE id=$1`, itemID, at)
		if err != nil {
			return fmt.Errorf("MarkNotified: %w", err)
		}
		return nil
	}
	_, err := r.db.ExecContext(ctx, `UPDATE watchlist_items SET last_notified_at=$2 WHERE id=$1`, itemID, at)
	if err != nil {
		return fmt.Errorf("MarkNotified: %w", err)
	}
	return nil
}
