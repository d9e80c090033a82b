package entity

import "time"

// Product is a catalog entity shared by both ingestion pipelines (§3).
type Product struct {
	ID              int64
	SourceProductID string
	IdentityKey     string
	SKU             string
	UPC             string
	Brand           string
	Caliber         string
	Title           string
	Active          bool
	LastSeenSuccessAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ItemKey derives the identity used for logging and dedup, following the
// fallback order from §4.D: sourceProductId -> identityKey -> impactItemId
// -> sku -> upc -> hash(url) -> hash(json). impactItemId and the url/json
// hash fallbacks are supplied by the caller since Product alone does not
// carry them.
func (p *Product) ItemKey(impactItemID, urlHash, jsonHash string) string {
	switch {
	case p.SourceProductID != "":
		return p.SourceProductID
	case p.IdentityKey != "":
		return p.IdentityKey
	case impactItemID != "":
		return impactItemID
	case p.SKU != "":
		return p.SKU
	case p.UPC != "":
		return p.UPC
	case urlHash != "":
		return urlHash
	default:
		return jsonHash
	}
}

// Price is a point-in-time price observation for a Product (§3).
type Price struct {
	ID              int64
	ProductID       int64
	RetailerID      int64
	URL             string
	Price           float64
	InStock         *bool
	ObservedAt      time.Time
	IngestionRunType string // "AFFILIATE_FEED" | "SCRAPE"
	IngestionRunID   string
	CreatedAt       time.Time
}

// DedupeKey returns the uniqueness key from §3: (productId, retailerId,
// observedAt, url).
func (p *Price) DedupeKey() (int64, int64, time.Time, string) {
	return p.ProductID, p.RetailerID, p.ObservedAt, p.URL
}

// SameObservation reports whether two prices would be a no-op write against
// each other per §4.E step 3 ("skipped when (...) would be a no-op against
// the most recent price").
func (p *Price) SameObservation(other *Price) bool {
	if other == nil {
		return false
	}
	if p.Price != other.Price {
		return false
	}
	if (p.InStock == nil) != (other.InStock == nil) {
		return false
	}
	if p.InStock != nil && other.InStock != nil && *p.InStock != *other.InStock {
		return false
	}
	return true
}

// SnapshotStatus is the lifecycle state of a CaliberMarketSnapshot.
type SnapshotStatus string

const (
	SnapshotStatusCurrent    SnapshotStatus = "CURRENT"
	SnapshotStatusSuperseded SnapshotStatus = "SUPERSEDED"
)

// MinSampleCountForPercentiles is the sample-count floor below which a
// snapshot is written with null percentiles (§4.H).
const MinSampleCountForPercentiles = 5

// CaliberMarketSnapshot is a (caliber, windowDays)-keyed statistical summary
// (§3, §4.H).
type CaliberMarketSnapshot struct {
	ID                int64
	Caliber           string
	WindowDays        int
	Status            SnapshotStatus
	WindowEnd         time.Time
	SampleCount       int
	Min               *float64
	Max               *float64
	P25               *float64
	Median            *float64
	P75               *float64
	DaysWithData      int
	ProductCount      int
	RetailerCount     int
	DroppedByBounds   int
	ComputationVersion string
	DurationMs        int64
	CreatedAt         time.Time
}

// Insufficient reports whether the sample count falls below the percentile
// floor (§4.H: "Snapshots with sampleCount < 5 are written with null
// percentiles and counted as insufficient").
func (s *CaliberMarketSnapshot) Insufficient() bool {
	return s.SampleCount < MinSampleCountForPercentiles
}
