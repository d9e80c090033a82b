// Package url implements the deterministic URL canonicalization used to
// derive ScrapeTarget identity (§6) and the rate limiter's eTLD+1 key (§4.A).
package url

import (
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"fbclid":       true,
	"gclid":        true,
	"ref":          true,
	"source":       true,
	"campaign":     true,
}

// Canonicalize applies the bit-for-bit reproducible transform from §6:
//  1. force scheme to https
//  2. lowercase hostname
//  3. strip tracking params (the fixed set plus any utm_* key)
//  4. strip query keys with an empty value
//  5. sort remaining query keys lexicographically
//  6. strip the fragment
//  7. strip a trailing slash unless the path is exactly "/"
func Canonicalize(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	u.Scheme = "https"
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if trackingParams[lower] || strings.HasPrefix(lower, "utm_") {
			q.Del(key)
			continue
		}
		if q.Get(key) == "" {
			q.Del(key)
		}
	}

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		values := q[k]
		sort.Strings(values)
		for j, v := range values {
			if j > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(k))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
		}
	}
	u.RawQuery = sb.String()

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), nil
}

// RegistrableDomain returns the eTLD+1 of a URL or bare host, e.g.
// "images.example.co.uk" -> "example.co.uk". Used to key the rate limiter
// (§4.A) so that subdomains of the same retailer share one budget.
func RegistrableDomain(rawURLOrHost string) (string, error) {
	host := rawURLOrHost
	if u, err := url.Parse(rawURLOrHost); err == nil && u.Host != "" {
		host = u.Host
	}
	host = strings.ToLower(host)
	if h, _, err := splitHostPort(host); err == nil {
		host = h
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// publicsuffix returns an error for single-label hosts (e.g.
		// "localhost") and bare IP literals; fall back to the host itself
		// rather than failing the caller, since those are still a valid
		// (if degenerate) rate-limiter bucket key.
		return host, nil
	}
	return domain, nil
}

func splitHostPort(host string) (string, string, error) {
	if i := strings.LastIndex(host, ":"); i != -1 && !strings.Contains(host[i+1:], "]") {
		return host[:i], host[i+1:], nil
	}
	return host, "", nil
}
