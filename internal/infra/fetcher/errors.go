package fetcher

import "errors"

// Sentinel errors for affiliate-feed download operations. Callers classify
// these into entity.PipelineError kinds (transient vs permanent network
// failure) rather than branching on the sentinel directly.
var (
	// ErrInvalidURL indicates the feed URL is malformed or uses an
	// unsupported scheme. Only http:// and https:// are allowed.
	ErrInvalidURL = errors.New("invalid URL or unsupported scheme")

	// ErrPrivateIP indicates the feed URL resolves to a private IP
	// address. Blocks Server-Side Request Forgery (SSRF) attacks.
	ErrPrivateIP = errors.New("private IP access denied (SSRF prevention)")

	// ErrTooManyRedirects indicates the redirect chain exceeded the
	// configured maximum.
	ErrTooManyRedirects = errors.New("too many redirects")

	// ErrBodyTooLarge indicates the downloaded file exceeded the
	// configured size limit.
	ErrBodyTooLarge = errors.New("feed file too large")

	// ErrTimeout indicates the download exceeded the configured timeout.
	ErrTimeout = errors.New("download timeout")

	// ErrNotModified indicates the remote file's mtime/size match the
	// feed's last-recorded memo; the caller should skip processing.
	ErrNotModified = errors.New("feed file unchanged since last run")

	// ErrAuthFailed indicates SFTP or AUTH_URL credential rejection.
	ErrAuthFailed = errors.New("feed transport authentication failed")

	// ErrFileNotFound indicates the remote path does not exist.
	ErrFileNotFound = errors.New("feed file not found at remote path")
)
