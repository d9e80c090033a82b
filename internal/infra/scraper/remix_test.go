package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemixScraper_ExtractOffers(t *testing.T) {
	body := `<html><body><script>window.__remixContext = {"routes":{"routes/product":{"loaderData":{"offers":[
		{"web_title":"5.56 62gr","slug":"/p/556","price_cents":2599,"sku":"XYZ","in_stock":false}
	]}}}};</script></body></html>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	r := NewRemixScraper(srv.Client())
	ctx := context.WithValue(context.Background(), ExtractionConfigKey, &ExtractionConfig{})

	offers, err := r.Extract(ctx, srv.URL)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, 25.99, offers[0].Price)
	assert.Equal(t, "XYZ", offers[0].SourceProductID)
	assert.False(t, *offers[0].InStock)
}

func TestRemixScraper_Extract_MissingContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html></html>`))
	}))
	defer srv.Close()

	r := NewRemixScraper(srv.Client())
	ctx := context.WithValue(context.Background(), ExtractionConfigKey, &ExtractionConfig{})
	_, err := r.Extract(ctx, srv.URL)
	assert.Error(t, err)
}
