package scraper

import (
	"context"
	"net/http"
)

// Extractor turns one target URL into the product offers found on it. Each
// implementation handles one front-end rendering shape.
type Extractor interface {
	Extract(ctx context.Context, targetURL string) ([]Offer, error)
}

// Factory creates extractor instances for different retailer site shapes.
type Factory struct {
	client *http.Client
}

// NewFactory creates a new Factory with the given HTTP client. The client
// should be configured with appropriate timeouts and security settings.
func NewFactory(client *http.Client) *Factory {
	return &Factory{client: client}
}

// CreateExtractors creates and returns a map of all available extractors.
// The keys are adapter site-shape names ("Webflow", "NextJS", "Remix") and
// are matched against a ScrapeAdapter's configured shape by the cycle
// engine (§4.F).
func (f *Factory) CreateExtractors() map[string]Extractor {
	return map[string]Extractor{
		"Webflow": NewWebflowScraper(f.client),
		"NextJS":  NewNextJSScraper(f.client),
		"Remix":   NewRemixScraper(f.client),
	}
}
