package entity

import (
	"fmt"
	"time"
)

// FeedTransport is the mechanism by which an AffiliateFeed's file is retrieved.
type FeedTransport string

const (
	FeedTransportSFTP    FeedTransport = "SFTP"
	FeedTransportHTTPS   FeedTransport = "HTTPS"
	FeedTransportAuthURL FeedTransport = "AUTH_URL"
)

// FeedFormat is the wire format of an AffiliateFeed's payload.
type FeedFormat string

const (
	FeedFormatCSV  FeedFormat = "CSV"
	FeedFormatXML  FeedFormat = "XML"
	FeedFormatJSON FeedFormat = "JSON"
)

// FeedStatus is the lifecycle state of an AffiliateFeed.
type FeedStatus string

const (
	FeedStatusDraft    FeedStatus = "DRAFT"
	FeedStatusActive   FeedStatus = "ACTIVE"
	FeedStatusDisabled FeedStatus = "DISABLED"
)

// MaxConsecutiveFeedFailures is the threshold at which a feed auto-transitions
// to DISABLED (§4.E finalization).
const MaxConsecutiveFeedFailures = 3

// FeedMemo records the last successfully observed remote file fingerprint,
// used for change detection on the next run (§4.E phase 1).
type FeedMemo struct {
	Mtime       *time.Time
	Size        int64
	ContentHash string
}

// AffiliateFeed is a scheduled downloadable dataset (§3).
type AffiliateFeed struct {
	ID                 int64
	SourceID            int64
	Transport           FeedTransport
	Format               FeedFormat
	ScheduleFrequencyHrs int
	ExpiryHours          int
	MaxRowCount          int
	LastRun              FeedMemo
	ConsecutiveFailures  int
	ManualRunPending     bool
	Status               FeedStatus
	CronExpression       string
	NextRunAt            *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Validate checks the structural invariants of an AffiliateFeed.
func (f *AffiliateFeed) Validate() error {
	switch f.Transport {
	case FeedTransportSFTP, FeedTransportHTTPS, FeedTransportAuthURL:
	default:
		return &ValidationError{Field: "transport", Message: fmt.Sprintf("unsupported transport %q", f.Transport)}
	}
	switch f.Format {
	case FeedFormatCSV, FeedFormatXML, FeedFormatJSON:
	default:
		return &ValidationError{Field: "format", Message: fmt.Sprintf("unsupported format %q", f.Format)}
	}
	if f.MaxRowCount <= 0 {
		return &ValidationError{Field: "max_row_count", Message: "max_row_count must be positive"}
	}
	return nil
}

// ShouldAutoDisable reports whether a failed run pushes the feed over the
// consecutive-failure threshold (§4.E).
func (f *AffiliateFeed) ShouldAutoDisable() bool {
	return f.ConsecutiveFailures >= MaxConsecutiveFeedFailures
}

// FeedTrigger identifies why an AffiliateFeedRun was started.
type FeedTrigger string

const (
	FeedTriggerScheduled     FeedTrigger = "SCHEDULED"
	FeedTriggerManual        FeedTrigger = "MANUAL"
	FeedTriggerManualPending FeedTrigger = "MANUAL_PENDING"
	FeedTriggerAdminTest     FeedTrigger = "ADMIN_TEST"
)

// FeedRunStatus is the terminal/non-terminal state of an AffiliateFeedRun.
type FeedRunStatus string

const (
	FeedRunStatusRunning   FeedRunStatus = "RUNNING"
	FeedRunStatusSucceeded FeedRunStatus = "SUCCEEDED"
	FeedRunStatusFailed    FeedRunStatus = "FAILED"
)

// SkippedReason enumerates why a run terminated without processing rows.
type SkippedReason string

const (
	SkippedUnchangedMtime SkippedReason = "UNCHANGED_MTIME"
	SkippedUnchangedHash  SkippedReason = "UNCHANGED_HASH"
	SkippedFileNotFound   SkippedReason = "FILE_NOT_FOUND"
)

// FailureKind is the taxonomy of §7, attached to a terminal FAILED run.
type FailureKind string

const (
	FailureTransientNetwork FailureKind = "TRANSIENT_NETWORK"
	FailurePermanentNetwork FailureKind = "PERMANENT_NETWORK"
	FailureParseError       FailureKind = "PARSE_ERROR"
	FailureProcessingError  FailureKind = "PROCESSING_ERROR"
	FailureLockContention   FailureKind = "LOCK_CONTENTION"
	FailureInvariant        FailureKind = "INVARIANT_VIOLATION"
)

// RunMetrics carries every counter accumulated across the three phases of
// §4.E, persisted on the run for observability and for the circuit breaker.
type RunMetrics struct {
	DownloadBytes       int64
	RowsRead            int
	RowsParsed          int
	ProductsUpserted    int
	PricesWritten       int
	ProductsRejected    int
	DuplicateKeyCount   int
	URLHashFallbackCount int
	ErrorCount          int

	ActiveCountBefore  int
	SeenSuccessCount   int
	WouldExpireCount   int

	MissingBrandCount int
}

// AffiliateFeedRun is one execution attempt of a feed (§3).
type AffiliateFeedRun struct {
	ID       string // collision-resistant, see internal/domain/runid
	FeedID   int64
	SourceID int64
	Trigger  FeedTrigger
	Status   FeedRunStatus

	StartedAt  time.Time
	FinishedAt *time.Time

	// RunObservedAt is captured once and reused across retries; it is the
	// price dedupe key (§3 invariant, §5 retry policy).
	RunObservedAt time.Time

	Metrics RunMetrics

	SkippedReason string
	FailureKind   FailureKind
	FailureCode   string
	FailureMessage string
	CorrelationID string

	IsPartial           bool
	ExpiryBlocked       bool
	ExpiryBlockedReason string
	IgnoredAt           *time.Time
}

// IsRunning reports whether the run has not yet reached a terminal state.
func (r *AffiliateFeedRun) IsRunning() bool {
	return r.Status == FeedRunStatusRunning
}

// RecentEnoughForOrphanRecovery reports whether this RUNNING run started
// within the orphan-recovery window (§4.E: 10 minutes).
func (r *AffiliateFeedRun) RecentEnoughForOrphanRecovery(now time.Time) bool {
	return now.Sub(r.StartedAt) <= 10*time.Minute
}
