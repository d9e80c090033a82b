package fetcher

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// FeedDownloadConfig holds the configuration for affiliate-feed download
// operations (HTTP/HTTPS/AUTH_URL and SFTP transports).
//
// Security settings:
//   - DenyPrivateIPs: Prevents SSRF attacks by blocking private IP addresses
//   - MaxBodySize: Prevents memory exhaustion from oversized feed files
//   - MaxRedirects: Prevents infinite redirect loops
//   - Timeout: Prevents resource starvation from slow servers
type FeedDownloadConfig struct {
	// Timeout is the maximum duration for a single download attempt.
	// Default: 60s (feed files are larger than article pages).
	Timeout time.Duration

	// MaxBodySize is the maximum feed file size in bytes. Downloads
	// exceeding this limit are rejected to prevent memory exhaustion.
	// Default: 104857600 (100MB)
	MaxBodySize int64

	// MaxRedirects is the maximum number of HTTP redirects to follow.
	// Default: 5
	MaxRedirects int

	// DenyPrivateIPs blocks access to private/loopback/link-local IPs.
	// Should always be true in production.
	DenyPrivateIPs bool
}

// DefaultConfig returns production-ready defaults for feed downloads.
func DefaultConfig() FeedDownloadConfig {
	return FeedDownloadConfig{
		Timeout:        60 * time.Second,
		MaxBodySize:    100 * 1024 * 1024,
		MaxRedirects:   5,
		DenyPrivateIPs: true,
	}
}

// Validate checks if the configuration values are valid and safe.
func (c *FeedDownloadConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}

	minBodySize := int64(1024)
	maxBodySize := int64(1024 * 1024 * 1024) // 1GB
	if c.MaxBodySize < minBodySize || c.MaxBodySize > maxBodySize {
		return fmt.Errorf("max body size must be between %d and %d bytes, got %d", minBodySize, maxBodySize, c.MaxBodySize)
	}

	if c.MaxRedirects < 0 || c.MaxRedirects > 10 {
		return fmt.Errorf("max redirects must be between 0 and 10, got %d", c.MaxRedirects)
	}

	return nil
}

// LoadConfigFromEnv loads configuration from environment variables, falling
// back to DefaultConfig for anything unset, then validates the result.
//
// Environment variables:
//   - FEED_DOWNLOAD_TIMEOUT: duration string, e.g., "60s" (default: 60s)
//   - FEED_DOWNLOAD_MAX_BODY_SIZE: integer in bytes (default: 104857600)
//   - FEED_DOWNLOAD_MAX_REDIRECTS: integer (default: 5)
//   - FEED_DOWNLOAD_DENY_PRIVATE_IPS: "true" or "false" (default: true)
func LoadConfigFromEnv() (FeedDownloadConfig, error) {
	cfg := DefaultConfig()

	if val := os.Getenv("FEED_DOWNLOAD_TIMEOUT"); val != "" {
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid FEED_DOWNLOAD_TIMEOUT: %v (expected format: '60s', '1m')", err)
		}
		cfg.Timeout = parsed
	}

	if val := os.Getenv("FEED_DOWNLOAD_MAX_BODY_SIZE"); val != "" {
		parsed, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid FEED_DOWNLOAD_MAX_BODY_SIZE: %v", err)
		}
		cfg.MaxBodySize = parsed
	}

	if val := os.Getenv("FEED_DOWNLOAD_MAX_REDIRECTS"); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid FEED_DOWNLOAD_MAX_REDIRECTS: %v", err)
		}
		cfg.MaxRedirects = parsed
	}

	if val := os.Getenv("FEED_DOWNLOAD_DENY_PRIVATE_IPS"); val != "" {
		cfg.DenyPrivateIPs = val == "true"
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}
