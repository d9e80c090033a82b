package db

import (
	"database/sql"
)

// MigrateUp creates the full price-intelligence schema: affiliate feed
// ingestion, scraper adapters/targets/cycles, the product/price catalog,
// caliber market snapshots, and the admin/watchlist surface. Every
// statement is idempotent so MigrateUp is safe to run on every boot.
func MigrateUp(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sources (
    id                 SERIAL PRIMARY KEY,
    name               TEXT NOT NULL,
    retailer_ref       TEXT NOT NULL UNIQUE,
    scrape_enabled     BOOLEAN NOT NULL DEFAULT FALSE,
    feed_enabled       BOOLEAN NOT NULL DEFAULT FALSE,
    robots_compliant   BOOLEAN NOT NULL DEFAULT TRUE,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS affiliate_feeds (
    id                       SERIAL PRIMARY KEY,
    source_id                INTEGER NOT NULL REFERENCES sources(id),
    transport                VARCHAR(20) NOT NULL,
    format                   VARCHAR(20) NOT NULL,
    status                   VARCHAR(20) NOT NULL DEFAULT 'DRAFT',
    cron_expr                TEXT NOT NULL,
    next_run_at              TIMESTAMPTZ,
    manual_run_pending       BOOLEAN NOT NULL DEFAULT FALSE,
    consecutive_failures     INT NOT NULL DEFAULT 0,
    memo                     JSONB,
    bypass_circuit_breaker   BOOLEAN NOT NULL DEFAULT FALSE,
    created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_affiliate_feeds_due ON affiliate_feeds(next_run_at) WHERE status = 'ACTIVE'`,

		`CREATE TABLE IF NOT EXISTS affiliate_feed_runs (
    id                    TEXT PRIMARY KEY,
    feed_id               INTEGER NOT NULL REFERENCES affiliate_feeds(id),
    trigger                VARCHAR(20) NOT NULL,
    status                VARCHAR(20) NOT NULL DEFAULT 'RUNNING',
    skipped_reason        VARCHAR(40),
    rows_parsed           INT NOT NULL DEFAULT 0,
    active_count_before   INT NOT NULL DEFAULT 0,
    seen_success_count    INT NOT NULL DEFAULT 0,
    would_expire_count    INT NOT NULL DEFAULT 0,
    missing_brand_count   INT NOT NULL DEFAULT 0,
    products_upserted     INT NOT NULL DEFAULT 0,
    prices_written        INT NOT NULL DEFAULT 0,
    url_hash_fallback_count INT NOT NULL DEFAULT 0,
    circuit_breaker_tripped BOOLEAN NOT NULL DEFAULT FALSE,
    error_message         TEXT,
    started_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    finished_at           TIMESTAMPTZ
)`,
		`CREATE INDEX IF NOT EXISTS idx_feed_runs_feed_id ON affiliate_feed_runs(feed_id, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_feed_runs_running ON affiliate_feed_runs(status) WHERE status = 'RUNNING'`,

		`CREATE TABLE IF NOT EXISTS affiliate_feed_run_errors (
    id          SERIAL PRIMARY KEY,
    run_id      TEXT NOT NULL REFERENCES affiliate_feed_runs(id),
    row_number  INT NOT NULL,
    kind        VARCHAR(30) NOT NULL,
    message     TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_feed_run_errors_run_id ON affiliate_feed_run_errors(run_id)`,

		`CREATE TABLE IF NOT EXISTS scrape_adapter_status (
    id                           SERIAL PRIMARY KEY,
    source_id                    INTEGER NOT NULL REFERENCES sources(id),
    name                         TEXT NOT NULL,
    enabled                      BOOLEAN NOT NULL DEFAULT TRUE,
    paused                       BOOLEAN NOT NULL DEFAULT FALSE,
    disabled_reason              VARCHAR(40),
    cron_expr                    TEXT NOT NULL,
    next_cycle_at                TIMESTAMPTZ,
    current_cycle_id             TEXT,
    consecutive_failed_batches   INT NOT NULL DEFAULT 0,
    baseline                     JSONB,
    driver                       TEXT NOT NULL DEFAULT '',
    extraction_config            JSONB,
    created_at                   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at                   TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_adapters_due ON scrape_adapter_status(next_cycle_at) WHERE enabled = true AND paused = false`,

		`CREATE TABLE IF NOT EXISTS scrape_targets (
    id                SERIAL PRIMARY KEY,
    source_id         INTEGER NOT NULL REFERENCES sources(id),
    canonical_url     TEXT NOT NULL,
    url_hash          VARCHAR(64) NOT NULL,
    last_status       VARCHAR(20) NOT NULL DEFAULT 'PENDING',
    last_status_at    TIMESTAMPTZ,
    last_cycle_id     TEXT,
    consecutive_failures INT NOT NULL DEFAULT 0,
    discovered_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE(source_id, url_hash)
)`,
		`CREATE INDEX IF NOT EXISTS idx_targets_eligible ON scrape_targets(source_id, last_status, last_status_at)`,
		`CREATE INDEX IF NOT EXISTS idx_targets_pending ON scrape_targets(last_status) WHERE last_status = 'PENDING'`,

		`CREATE TABLE IF NOT EXISTS scrape_cycles (
    id                       TEXT PRIMARY KEY,
    adapter_id               INTEGER NOT NULL REFERENCES scrape_adapter_status(id),
    trigger                  VARCHAR(20) NOT NULL,
    status                   VARCHAR(20) NOT NULL DEFAULT 'RUNNING',
    total_targets            INT NOT NULL DEFAULT 0,
    targets_completed        INT NOT NULL DEFAULT 0,
    targets_failed           INT NOT NULL DEFAULT 0,
    targets_skipped          INT NOT NULL DEFAULT 0,
    offers_extracted         INT NOT NULL DEFAULT 0,
    offers_valid             INT NOT NULL DEFAULT 0,
    last_processed_target_id TEXT,
    started_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
    finished_at              TIMESTAMPTZ
)`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_adapter_id ON scrape_cycles(adapter_id, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_running ON scrape_cycles(status) WHERE status = 'RUNNING'`,

		`CREATE TABLE IF NOT EXISTS products (
    id                     SERIAL PRIMARY KEY,
    source_product_id      TEXT NOT NULL UNIQUE,
    identity_key           TEXT NOT NULL,
    sku                    TEXT,
    upc                    TEXT,
    brand                  TEXT,
    caliber                TEXT,
    title                  TEXT NOT NULL,
    active                 BOOLEAN NOT NULL DEFAULT TRUE,
    last_seen_success_at   TIMESTAMPTZ,
    created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_products_identity_key ON products(identity_key)`,
		`CREATE INDEX IF NOT EXISTS idx_products_caliber_active ON products(caliber) WHERE active = true`,

		`CREATE TABLE IF NOT EXISTS prices (
    id                   BIGSERIAL PRIMARY KEY,
    product_id           INTEGER NOT NULL REFERENCES products(id),
    retailer_id          INTEGER NOT NULL REFERENCES sources(id),
    url                  TEXT NOT NULL,
    price                NUMERIC(12,2) NOT NULL,
    in_stock             BOOLEAN NOT NULL,
    observed_at          TIMESTAMPTZ NOT NULL,
    ingestion_run_type   VARCHAR(20) NOT NULL,
    ingestion_run_id     TEXT NOT NULL,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE(product_id, retailer_id, observed_at, url)
)`,
		`CREATE INDEX IF NOT EXISTS idx_prices_product_retailer ON prices(product_id, retailer_id, observed_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_prices_observed_at ON prices(observed_at DESC)`,

		`CREATE TABLE IF NOT EXISTS caliber_market_snapshots (
    id                    SERIAL PRIMARY KEY,
    caliber               TEXT NOT NULL,
    window_days           INT NOT NULL,
    status                VARCHAR(20) NOT NULL DEFAULT 'CURRENT',
    window_end            TIMESTAMPTZ NOT NULL,
    sample_count          INT NOT NULL,
    min                   NUMERIC(12,2),
    max                   NUMERIC(12,2),
    p25                   NUMERIC(12,2),
    median                NUMERIC(12,2),
    p75                   NUMERIC(12,2),
    days_with_data        INT NOT NULL,
    product_count         INT NOT NULL,
    retailer_count        INT NOT NULL,
    dropped_by_bounds     INT NOT NULL DEFAULT 0,
    computation_version   INT NOT NULL,
    duration_ms           BIGINT NOT NULL,
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_snapshots_current ON caliber_market_snapshots(caliber, window_days) WHERE status = 'CURRENT'`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_history ON caliber_market_snapshots(caliber, window_days, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS system_settings (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_by  TEXT NOT NULL
)`,

		`CREATE TABLE IF NOT EXISTS watchlist_items (
    id                       SERIAL PRIMARY KEY,
    product_id               INTEGER NOT NULL REFERENCES products(id),
    user_id                  TEXT NOT NULL,
    last_price_notified_at   TIMESTAMPTZ,
    last_notified_at         TIMESTAMPTZ,
    created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE(product_id, user_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_watchlist_product_id ON watchlist_items(product_id)`,

		`CREATE TABLE IF NOT EXISTS alerts (
    id                    SERIAL PRIMARY KEY,
    watchlist_item_id     INTEGER NOT NULL REFERENCES watchlist_items(id),
    enabled               BOOLEAN NOT NULL DEFAULT TRUE,
    rule_type             VARCHAR(20) NOT NULL,
    min_drop_percent      NUMERIC(5,2),
    min_drop_absolute     NUMERIC(12,2),
    cooldown_minutes      INT NOT NULL DEFAULT 60,
    tier                  VARCHAR(20) NOT NULL DEFAULT 'FREE'
)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_watchlist_item_id ON alerts(watchlist_item_id)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// MigrateDown drops the catalog and snapshot tables, the most expensive
// to rebuild. Feed/adapter/scheduling state is left intact since it holds
// operator configuration (cron expressions, enablement flags) rather than
// derived data.
func MigrateDown(db *sql.DB) error {
	dropStatements := []string{
		`DROP TABLE IF EXISTS alerts CASCADE`,
		`DROP TABLE IF EXISTS watchlist_items CASCADE`,
		`DROP TABLE IF EXISTS caliber_market_snapshots CASCADE`,
		`DROP TABLE IF EXISTS prices CASCADE`,
		`DROP TABLE IF EXISTS products CASCADE`,
	}
	for _, stmt := range dropStatements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// MigrateDownScraping rolls back only the scraper subsystem (targets,
// cycles, adapter status), preserving feeds and the catalog.
func MigrateDownScraping(db *sql.DB) error {
	dropStatements := []string{
		`DROP TABLE IF EXISTS scrape_cycles CASCADE`,
		`DROP TABLE IF EXISTS scrape_targets CASCADE`,
		`DROP TABLE IF EXISTS scrape_adapter_status CASCADE`,
	}
	for _, stmt := range dropStatements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
