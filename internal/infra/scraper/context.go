// Package scraper implements the adapter-based web scrapers of spec.md
// §4.F: structural extractors that turn one retailer's HTML (or embedded
// JSON state) into a list of product offers, one per rendering shape the
// pack's retailer catalog is known to use (Webflow, Next.js, Remix).
package scraper

import "time"

// ContextKey is the type for context keys used by scrapers. Exported for
// use in tests.
type ContextKey string

// ExtractionConfigKey is the context key an adapter's ExtractionConfig is
// passed under; each ScrapeAdapter carries one, set by the cycle engine
// before dispatching a target to its extractor.
const ExtractionConfigKey ContextKey = "extraction_config"

// ExtractionConfig tells a structural scraper where to find one retailer's
// product-offer fields. Selector fields address CSS-rendered pages
// (Webflow); DataKey/ContextKey address the embedded-JSON shapes
// (Next.js' __NEXT_DATA__, Remix's window.__remixContext).
type ExtractionConfig struct {
	ItemSelector            string
	TitleSelector           string
	URLSelector             string
	PriceSelector           string
	StockSelector           string
	SourceProductIDSelector string
	URLPrefix               string
	DataKey                 string
	ContextKey              string
	InStockText             string
}

// GetExtractionConfig extracts an ExtractionConfig from ctx. Returns nil if
// not found or of the wrong type.
func GetExtractionConfig(ctx interface{}) *ExtractionConfig {
	if ctx == nil {
		return nil
	}

	type valueGetter interface {
		Value(key interface{}) interface{}
	}

	vg, ok := ctx.(valueGetter)
	if !ok {
		return nil
	}

	config, ok := vg.Value(ExtractionConfigKey).(*ExtractionConfig)
	if !ok {
		return nil
	}

	return config
}

// Offer is one scraped product observation: the scraper-side counterpart
// of an AffiliateFeed parsed row (§4.E), normalized so both pipelines feed
// the same catalog upsert path.
type Offer struct {
	Title           string
	ProductURL      string
	SourceProductID string
	Price           float64
	InStock         *bool
	ScrapedAt       time.Time
}
