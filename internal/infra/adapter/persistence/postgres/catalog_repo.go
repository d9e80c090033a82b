package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"priceintel/internal/domain/entity"
	"priceintel/internal/repository"
)

type ProductRepo struct{ db *sql.DB }

func NewProductRepo(db *sql.DB) repository.ProductRepository {
	return &ProductRepo{db: db}
}

const productColumns = `id, source_product_id, identity_key, sku, upc, brand, caliber, title,
       active, last_seen_success_at, created_at, updated_at`

func scanProduct(scan func(...any) error) (*entity.Product, error) {
	var p entity.Product
	if err := scan(
		&p.ID, &p.SourceProductID, &p.IdentityKey, &p.SKU, &p.UPC, &p.Brand, &p.Caliber, &p.Title,
		&p.Active, &p.LastSeenSuccessAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// Upsert implements §4.E step 3: each row produces at most one Product
// upsert, keyed by the stable sourceProductId.
func (r *ProductRepo) Upsert(ctx context.Context, p *entity.Product) (*entity.Product, error) {
	const query = `
INSERT INTO products (source_product_id, identity_key, sku, upc, brand, caliber, title, active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,true,now(),now())
ON CONFLICT (source_product_id) DO UPDATE SET
       identity_key=EXCLUDED.identity_key, sku=EXCLUDED.sku, upc=EXCLUDED.upc,
       brand=EXCLUDED.brand, caliber=EXCLUDED.caliber, title=EXCLUDED.title, updated_at=now()
RETURNING ` + productColumns
	row := r.db.QueryRowContext(ctx, query, p.SourceProductID, p.IdentityKey, p.SKU, p.UPC, p.Brand, p.Caliber, p.Title)
	out, err := scanProduct(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("Upsert: %w", err)
	}
	return out, nil
}

func (r *ProductRepo) FindBySourceProductID(ctx context.Context, sourceProductID string) (*entity.Product, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE source_product_id=$1`, sourceProductID)
	p, err := scanProduct(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("FindBySourceProductID: %w", err)
	}
	return p, nil
}

func (r *ProductRepo) CountActiveForFeed(ctx context.Context, feedID int64) (int, error) {
	var n int
	// activeCountBefore (§4.E phase 2): active products whose most recent
	// price came from this feed's runs.
	err := r.db.QueryRowContext(ctx, `
SELECT count(DISTINCT p.id) FROM products p
JOIN prices pr ON pr.product_id = p.id
JOIN affiliate_feed_runs r ON r.id = pr.ingestion_run_id
WHERE p.active = true AND r.feed_id = $1`, feedID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountActiveForFeed: %w", err)
	}
	return n, nil
}

// MarkPromoted stamps lastSeenSuccessAt on products that survived the
// circuit breaker (§4.E phase 2 "promotion").
func (r *ProductRepo) MarkPromoted(ctx context.Context, productIDs []int64, seenAt time.Time) error {
	if len(productIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE products SET last_seen_success_at=$2, updated_at=now() WHERE id = ANY($1)`, productIDs, seenAt)
	if err != nil {
		return fmt.Errorf("MarkPromoted: %w", err)
	}
	return nil
}

// ExpireOlderThan marks products inactive whose lastSeenSuccessAt predates
// cutoff and who were not seen in the current run (§4.E phase 2 promotion:
// "products with lastSeenSuccessAt < now - expiryHours are expired").
func (r *ProductRepo) ExpireOlderThan(ctx context.Context, feedID int64, cutoff time.Time, excludeIDs []int64) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE products SET active=false, updated_at=now()
WHERE active=true AND last_seen_success_at < $1 AND NOT (id = ANY($2))`, cutoff, excludeIDs)
	if err != nil {
		return 0, fmt.Errorf("ExpireOlderThan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ExpireOlderThan: %w", err)
	}
	return int(n), nil
}

type PriceRepo struct{ db *sql.DB }

func NewPriceRepo(db *sql.DB) repository.PriceRepository {
	return &PriceRepo{db: db}
}

func (r *PriceRepo) Insert(ctx context.Context, p *entity.Price) error {
	const query = `
INSERT INTO prices (product_id, retailer_id, url, price, in_stock, observed_at,
       ingestion_run_type, ingestion_run_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
ON CONFLICT (product_id, retailer_id, observed_at, url) DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, p.ProductID, p.RetailerID, p.URL, p.Price, p.InStock,
		p.ObservedAt, p.IngestionRunType, p.IngestionRunID)
	if err != nil {
		return fmt.Errorf("Insert: %w", err)
	}
	return nil
}

func (r *PriceRepo) MostRecent(ctx context.Context, productID, retailerID int64) (*entity.Price, error) {
	const query = `
SELECT id, product_id, retailer_id, url, price, in_stock, observed_at, ingestion_run_type,
       ingestion_run_id, created_at
FROM prices WHERE product_id=$1 AND retailer_id=$2 ORDER BY observed_at DESC LIMIT 1`
	var p entity.Price
	err := r.db.QueryRowContext(ctx, query, productID, retailerID).Scan(
		&p.ID, &p.ProductID, &p.RetailerID, &p.URL, &p.Price, &p.InStock, &p.ObservedAt,
		&p.IngestionRunType, &p.IngestionRunID, &p.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("MostRecent: %w", err)
	}
	return &p, nil
}

// BatchInsert writes prices in batches of ~100 per transaction (§5 shared
// resources: "Writers batch (≈100 items per transaction) to cap lock
// durations").
func (r *PriceRepo) BatchInsert(ctx context.Context, prices []*entity.Price) (int, error) {
	const batchSize = 100
	written := 0
	for start := 0; start < len(prices); start += batchSize {
		end := start + batchSize
		if end > len(prices) {
			end = len(prices)
		}
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return written, fmt.Errorf("BatchInsert: begin: %w", err)
		}
		for _, p := range prices[start:end] {
			res, err := tx.ExecContext(ctx, `
INSERT INTO prices (product_id, retailer_id, url, price, in_stock, observed_at,
       ingestion_run_type, ingestion_run_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
ON CONFLICT (product_id, retailer_id, observed_at, url) DO NOTHING`,
				p.ProductID, p.RetailerID, p.URL, p.Price, p.InStock, p.ObservedAt,
				p.IngestionRunType, p.IngestionRunID)
			if err != nil {
				tx.Rollback()
				return written, fmt.Errorf("BatchInsert: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				written++
			}
		}
		if err := tx.Commit(); err != nil {
			return written, fmt.Errorf("BatchInsert: commit: %w", err)
		}
	}
	return written, nil
}
