package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"priceintel/internal/resilience/circuitbreaker"
	"priceintel/internal/resilience/retry"

	"github.com/PuerkitoBio/goquery"
	"github.com/sony/gobreaker"
)

// NextJSScraper implements Extractor for Next.js-based retailer pages. It
// extracts JSON data from the __NEXT_DATA__ script tag and reads offers out
// of it.
type NextJSScraper struct {
	client         *http.Client
	circuitBreaker *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

// NewNextJSScraper creates a new NextJSScraper with the given HTTP client.
func NewNextJSScraper(client *http.Client) *NextJSScraper {
	return &NextJSScraper{
		client:         client,
		circuitBreaker: circuitbreaker.New(circuitbreaker.WebScraperConfig()),
		retryConfig:    retry.WebScraperConfig(),
	}
}

// Extract retrieves and parses offers from a Next.js target page.
func (n *NextJSScraper) Extract(ctx context.Context, targetURL string) ([]Offer, error) {
	config := GetExtractionConfig(ctx)
	if config == nil {
		return nil, errors.New("extraction_config not found in context")
	}

	var offers []Offer

	retryErr := retry.WithBackoff(ctx, n.retryConfig, func() error {
		cbResult, err := n.circuitBreaker.Execute(func() (interface{}, error) {
			return n.doFetch(ctx, targetURL, config)
		})

		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) {
				slog.Warn("nextjs scraper circuit breaker open, request rejected",
					slog.String("service", "nextjs-scraper"),
					slog.String("url", targetURL),
					slog.String("state", n.circuitBreaker.State().String()))
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

func (n *NextJSScraper) doFetch(ctx context.Context, targetURL string, config *ExtractionConfig) ([]Offer, error) {
	if err := validateURL(targetURL); err != nil {
		return nil, fmt.Errorf("URL validation failed: %w", err)
	}

	html, err := n.fetchHTML(ctx, targetURL)
	if err != nil {
		return nil, fmt.Errorf("fetch HTML failed: %w", err)
	}

	jsonData, err := n.extractJSON(html)
	if err != nil {
		return nil, fmt.Errorf("extract JSON failed: %w", err)
	}

	offers, err := n.parseOffers(jsonData, config)
	if err != nil {
		return nil, fmt.Errorf("parse offers failed: %w", err)
	}

	if len(offers) == 0 {
		return nil, errors.New("no offers found in JSON data")
	}

	return offers, nil
}

func (n *NextJSScraper) fetchHTML(ctx context.Context, urlStr string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", "PriceIntelBot/1.0")

	resp, err := n.client.Do(req)
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

// extractJSON extracts and parses JSON from the __NEXT_DATA__ script tag.
func (n *NextJSScraper) extractJSON(html string) (map[string]interface{}, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	var jsonText string
	doc.Find("script#__NEXT_DATA__").Each(func(i int, s *goquery.Selection) {
		jsonText = s.Text()
	})

	if jsonText == "" {
		return nil, errors.New("__NEXT_DATA__ script tag not found")
	}

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(jsonText), &data); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}

	return data, nil
}

// parseOffers parses product offers from the Next.js JSON data structure:
// props.pageProps.<dataKey>.items, each item carrying title/slug/price/
// sku/inStock fields.
func (n *NextJSScraper) parseOffers(jsonData map[string]interface{}, config *ExtractionConfig) ([]Offer, error) {
	var offers []Offer
	now := time.Now()

	props, ok := jsonData["props"].(map[string]interface{})
	if !ok {
		return nil, errors.New("props not found in JSON")
	}

	pageProps, ok := props["pageProps"].(map[string]interface{})
	if !ok {
		return nil, errors.New("pageProps not found in JSON")
	}

	dataKey := config.DataKey
	if dataKey == "" {
		dataKey = "initialSeedData"
	}

	seedData, ok := pageProps[dataKey].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s not found in pageProps", dataKey)
	}

	itemsArray, ok := seedData["items"].([]interface{})
	if !ok {
		return nil, errors.New("items array not found in seed data")
	}

	for i, itemData := range itemsArray {
		itemMap, ok := itemData.(map[string]interface{})
		if !ok {
			slog.Warn("skipping non-object item", slog.Int("index", i))
			continue
		}

		title, _ := itemMap["title"].(string)
		if title == "" {
			slog.Debug("skipping item with empty title", slog.Int("index", i))
			continue
		}

		slug, _ := itemMap["slug"].(string)
		if slug == "" {
			slog.Debug("skipping item with empty slug", slog.Int("index", i), slog.String("title", title))
			continue
		}
		itemURL := makeAbsoluteURL(slug, config.URLPrefix)

		price, ok := itemMap["price"].(float64)
		if !ok {
			slog.Debug("skipping item with missing price", slog.Int("index", i), slog.String("title", title))
			continue
		}

		sku, _ := itemMap["sku"].(string)

		var inStock *bool
		if v, ok := itemMap["inStock"].(bool); ok {
			inStock = &v
		}

		offers = append(offers, Offer{
			Title:           title,
			ProductURL:      itemURL,
			SourceProductID: sku,
			Price:           price,
			InStock:         inStock,
			ScrapedAt:       now,
		})
	}

	return offers, nil
}
