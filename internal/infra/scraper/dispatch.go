package scraper

import (
	"context"
	"fmt"

	"priceintel/internal/domain/entity"
	"priceintel/internal/repository"
	"priceintel/internal/usecase/scrapecycle"
)

// Dispatcher satisfies scrapecycle.Extractor by routing each target to the
// per-shape Extractor its owning adapter is configured with (§4.F): it
// looks up the adapter's driver and AdapterExtractionConfig, attaches the
// translated ExtractionConfig to the context the structural scraper reads
// from, and reduces the page's offer list down to the one offer matching
// the target being processed.
type Dispatcher struct {
	AdapterRepo repository.AdapterRepository
	Extractors  map[string]Extractor
}

// NewDispatcher builds a Dispatcher from a Factory's registered extractors.
func NewDispatcher(factory *Factory, adapterRepo repository.AdapterRepository) *Dispatcher {
	return &Dispatcher{AdapterRepo: adapterRepo, Extractors: factory.CreateExtractors()}
}

// Extract implements scrapecycle.Extractor.
func (d *Dispatcher) Extract(ctx context.Context, target *entity.ScrapeTarget) (*scrapecycle.ExtractResult, error) {
	adapter, err := d.AdapterRepo.Get(ctx, target.AdapterID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load adapter: %w", err)
	}
	if adapter == nil {
		return nil, fmt.Errorf("dispatch: adapter %q not found", target.AdapterID)
	}

	extractor, ok := d.Extractors[adapter.Driver]
	if !ok {
		return nil, fmt.Errorf("dispatch: no extractor registered for driver %q", adapter.Driver)
	}

	cfg := &ExtractionConfig{
		ItemSelector:            adapter.ExtractionConfig.ItemSelector,
		TitleSelector:           adapter.ExtractionConfig.TitleSelector,
		URLSelector:             adapter.ExtractionConfig.URLSelector,
		PriceSelector:           adapter.ExtractionConfig.PriceSelector,
		StockSelector:           adapter.ExtractionConfig.StockSelector,
		SourceProductIDSelector: adapter.ExtractionConfig.SourceProductIDSelector,
		URLPrefix:               adapter.ExtractionConfig.URLPrefix,
		DataKey:                 adapter.ExtractionConfig.DataKey,
		ContextKey:              adapter.ExtractionConfig.ContextKey,
		InStockText:             adapter.ExtractionConfig.InStockText,
	}
	ctx = context.WithValue(ctx, ExtractionConfigKey, cfg)

	offers, err := extractor.Extract(ctx, target.URL)
	if err != nil {
		return nil, err
	}

	offer := selectOffer(offers, target)
	if offer == nil {
		return &scrapecycle.ExtractResult{Found: false}, nil
	}

	return &scrapecycle.ExtractResult{
		Product: entity.Product{
			SourceProductID: offer.SourceProductID,
			Title:           offer.Title,
			Active:          true,
		},
		Price:   offer.Price,
		InStock: offer.InStock,
		Found:   true,
	}, nil
}

// selectOffer picks the offer on a multi-offer page that corresponds to
// target: an exact canonical-URL match when the page lists several
// products, falling back to the lone offer on a single-product page.
func selectOffer(offers []Offer, target *entity.ScrapeTarget) *Offer {
	for i := range offers {
		if offers[i].ProductURL == target.CanonicalURL || offers[i].ProductURL == target.URL {
			return &offers[i]
		}
	}
	if len(offers) == 1 {
		return &offers[0]
	}
	return nil
}
