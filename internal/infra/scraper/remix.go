package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"priceintel/internal/resilience/circuitbreaker"
	"priceintel/internal/resilience/retry"

	"github.com/sony/gobreaker"
)

// RemixScraper implements Extractor for Remix-based retailer pages. It
// extracts JSON data from the embedded window.__remixContext script.
type RemixScraper struct {
	client         *http.Client
	circuitBreaker *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

// NewRemixScraper creates a new RemixScraper with the given HTTP client.
func NewRemixScraper(client *http.Client) *RemixScraper {
	return &RemixScraper{
		client:         client,
		circuitBreaker: circuitbreaker.New(circuitbreaker.WebScraperConfig()),
		retryConfig:    retry.WebScraperConfig(),
	}
}

// Extract retrieves and parses offers from a Remix target page.
func (r *RemixScraper) Extract(ctx context.Context, targetURL string) ([]Offer, error) {
	config := GetExtractionConfig(ctx)
	if config == nil {
		return nil, errors.New("extraction_config not found in context")
	}

	var offers []Offer

	retryErr := retry.WithBackoff(ctx, r.retryConfig, func() error {
		cbResult, err := r.circuitBreaker.Execute(func() (interface{}, error) {
			return r.doFetch(ctx, targetURL, config)
		})

		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) {
				slog.Warn("remix scraper circuit breaker open, request rejected",
					slog.String("service", "remix-scraper"),
					slog.String("url", targetURL),
					slog.String("state", r.circuitBreaker.State().String()))
			}
			return err
		}

		offers = cbResult.([]Offer)
		return nil
	})

	if retryErr != nil {
		return nil, retryErr
	}

	return offers, nil
}

func (r *RemixScraper) doFetch(ctx context.Context, targetURL string, config *ExtractionConfig) ([]Offer, error) {
	if err := validateURL(targetURL); err != nil {
		return nil, fmt.Errorf("URL validation failed: %w", err)
	}

	html, err := r.fetchHTML(ctx, targetURL)
	if err != nil {
		return nil, fmt.Errorf("fetch HTML failed: %w", err)
	}

	jsonData, err := r.extractRemixContext(html)
	if err != nil {
		return nil, fmt.Errorf("extract Remix context failed: %w", err)
	}

	offers, err := r.parseOffers(jsonData, config)
	if err != nil {
		return nil, fmt.Errorf("parse offers failed: %w", err)
	}

	if len(offers) == 0 {
		return nil, errors.New("no offers found in Remix context")
	}

	return offers, nil
}

func (r *RemixScraper) fetchHTML(ctx context.Context, urlStr string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", "PriceIntelBot/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", &retry.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unexpected status: %s", resp.Status),
		}
	}

	limitedReader := io.LimitReader(resp.Body, maxBodySize)
	bodyBytes, err := io.ReadAll(limitedReader)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	return string(bodyBytes), nil
}

// extractRemixContext extracts and parses JSON from window.__remixContext.
func (r *RemixScraper) extractRemixContext(html string) (map[string]interface{}, error) {
	pattern := regexp.MustCompile(`(?s)window\.__remixContext\s*=\s*(\{.*?\});`)
	matches := pattern.FindStringSubmatch(html)

	if len(matches) < 2 {
		return nil, errors.New("window.__remixContext not found in HTML")
	}

	jsonText := matches[1]

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(jsonText), &data); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}

	return data, nil
}

// parseOffers parses product offers from the Remix context JSON:
// routes[contextKey].loaderData.offers, each carrying web_title/slug/
// price_cents/in_stock fields.
func (r *RemixScraper) parseOffers(jsonData map[string]interface{}, config *ExtractionConfig) ([]Offer, error) {
	var offers []Offer
	now := time.Now()

	routes, ok := jsonData["routes"].(map[string]interface{})
	if !ok {
		return nil, errors.New("routes not found in Remix context")
	}

	contextKey := config.ContextKey
	if contextKey == "" {
		for key, routeData := range routes {
			if routeMap, ok := routeData.(map[string]interface{}); ok {
				if _, hasLoader := routeMap["loaderData"]; hasLoader {
					contextKey = key
					break
				}
			}
		}
		if contextKey == "" {
			return nil, errors.New("no route with loaderData found")
		}
	}

	routeData, ok := routes[contextKey].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("route %s not found in Remix context", contextKey)
	}

	loaderData, ok := routeData["loaderData"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("loaderData not found in route %s", contextKey)
	}

	offersArray, ok := loaderData["offers"].([]interface{})
	if !ok {
		return nil, errors.New("offers array not found in loaderData")
	}

	for i, offerData := range offersArray {
		offerMap, ok := offerData.(map[string]interface{})
		if !ok {
			slog.Warn("skipping non-object offer", slog.Int("index", i))
			continue
		}

		title, _ := offerMap["web_title"].(string)
		if title == "" {
			slog.Debug("skipping offer with empty title", slog.Int("index", i))
			continue
		}

		slug, _ := offerMap["slug"].(string)
		if slug == "" {
			slog.Debug("skipping offer with empty slug", slog.Int("index", i), slog.String("title", title))
			continue
		}
		itemURL := makeAbsoluteURL(slug, config.URLPrefix)

		priceCents, ok := offerMap["price_cents"].(float64)
		if !ok {
			slog.Debug("skipping offer with missing price", slog.Int("index", i), slog.String("title", title))
			continue
		}

		sourceProductID, _ := offerMap["sku"].(string)

		var inStock *bool
		if v, ok := offerMap["in_stock"].(bool); ok {
			inStock = &v
		}

		offers = append(offers, Offer{
			Title:           title,
			ProductURL:      itemURL,
			SourceProductID: sourceProductID,
			Price:           priceCents / 100,
			InStock:         inStock,
			ScrapedAt:       now,
		})
	}

	return offers, nil
}
