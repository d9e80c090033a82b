package entity

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain layer operations.
var (
	// ErrNotFound indicates that a requested entity was not found
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidInput indicates that the provided input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrValidationFailed indicates that validation checks have failed
	ErrValidationFailed = errors.New("validation failed")

	// ErrAlreadyExists indicates a uniqueness constraint would be violated,
	// e.g. a duplicate (sourceId, canonicalUrl) ScrapeTarget (§8 scenario 2).
	ErrAlreadyExists = errors.New("already exists")

	// ErrLockContention indicates a feed or adapter lock could not be
	// acquired; callers treat this as a non-retryable skip (§7 LockContention).
	ErrLockContention = errors.New("lock contention")
)

// PipelineError classifies a failure from the Affiliate Feed Worker or
// Scraper Cycle Engine per the taxonomy in §7. Each kind carries a stable
// code and a Retryable bit driving the queue's rethrow-vs-discard decision.
type PipelineError struct {
	Kind     FailureKind
	Code     string
	Message  string
	Retryable bool
	Cause    error
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s[%s]: %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// NewTransientNetworkError builds a retryable PipelineError for connection
// reset/refused/timeout, DNS failures, and 5xx/408/429 responses.
func NewTransientNetworkError(code, msg string, cause error) *PipelineError {
	return &PipelineError{Kind: FailureTransientNetwork, Code: code, Message: msg, Retryable: true, Cause: cause}
}

// NewPermanentNetworkError builds a non-retryable PipelineError for 4xx
// (other than 408/429), auth failures, and "file not found".
func NewPermanentNetworkError(code, msg string, cause error) *PipelineError {
	return &PipelineError{Kind: FailurePermanentNetwork, Code: code, Message: msg, Retryable: false, Cause: cause}
}

// NewParseError builds a non-retryable PipelineError for malformed
// CSV/XML/JSON, schema mismatches, or a row-count overflow.
func NewParseError(code, msg string, cause error) *PipelineError {
	return &PipelineError{Kind: FailureParseError, Code: code, Message: msg, Retryable: false, Cause: cause}
}

// NewProcessingError builds a non-retryable PipelineError for the
// "rowsRead > 0 ∧ productsUpserted == 0" condition (§7): code is
// VALIDATION_FAILURE when rowsParsed==0, UPSERT_FAILURE otherwise.
func NewProcessingError(rowsParsed int, msg string) *PipelineError {
	code := "UPSERT_FAILURE"
	if rowsParsed == 0 {
		code = "VALIDATION_FAILURE"
	}
	return &PipelineError{Kind: FailureProcessingError, Code: code, Message: msg, Retryable: false}
}

// NewInvariantViolation builds a PipelineError for a state the worker
// should never observe (run.status != RUNNING on retry, non-conforming run
// id where required). Logged at ERROR; the run is left untouched and the
// job quietly completes (§7).
func NewInvariantViolation(code, msg string) *PipelineError {
	return &PipelineError{Kind: FailureInvariant, Code: code, Message: msg, Retryable: false}
}

// IsRetryablePipelineError reports whether err (or something it wraps) is a
// PipelineError marked retryable.
func IsRetryablePipelineError(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// ValidationError represents a validation error with detailed field information.
// It implements the error interface and provides context about which field failed validation.
type ValidationError struct {
	Field   string
	Message string
}

// Error returns a formatted error message for the validation error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}
