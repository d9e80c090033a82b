package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextJSScraper_ExtractOffers(t *testing.T) {
	body := `<html><body><script id="__NEXT_DATA__" type="application/json">
	{"props":{"pageProps":{"initialSeedData":{"items":[
		{"title":"9mm 124gr","slug":"/p/9mm","price":14.5,"sku":"ABC","inStock":true}
	]}}}}
	</script></body></html>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	n := NewNextJSScraper(srv.Client())
	ctx := context.WithValue(context.Background(), ExtractionConfigKey, &ExtractionConfig{})

	offers, err := n.Extract(ctx, srv.URL)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, 14.5, offers[0].Price)
	assert.Equal(t, "ABC", offers[0].SourceProductID)
	assert.True(t, *offers[0].InStock)
}

func TestNextJSScraper_Extract_MissingScriptTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html></html>`))
	}))
	defer srv.Close()

	n := NewNextJSScraper(srv.Client())
	ctx := context.WithValue(context.Background(), ExtractionConfigKey, &ExtractionConfig{})
	_, err := n.Extract(ctx, srv.URL)
	assert.Error(t, err)
}
