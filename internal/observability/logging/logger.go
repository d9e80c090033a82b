// Package logging provides structured logging utilities using the standard library's log/slog package.
// It offers helper functions for creating loggers with consistent configuration and context propagation.
package logging

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"

	"priceintel/internal/handler/http/requestid"
)

// sensitiveKeyPatterns are substrings an attribute key is checked against,
// case-insensitively, before it is allowed into a log record. Every log
// line goes through redactingReplaceAttr regardless of which constructor
// built its logger or how deep the attribute sits in a group, since slog
// invokes ReplaceAttr per leaf attribute at every nesting level.
var sensitiveKeyPatterns = []string{
	"authorization",
	"cookie",
	"token",
	"secret",
	"password",
	"api-key",
	"apikey",
	"credential",
}

const redacted = "[REDACTED]"

func redactingReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(key, pattern) {
			a.Value = slog.StringValue(redacted)
			return a
		}
	}
	return a
}

// NewLogger creates a new structured logger with JSON output.
// The log level can be controlled via the LOG_LEVEL environment variable.
// Supported levels: debug, info, warn, error
// Default level: info
func NewLogger() *slog.Logger {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
		// Add source code location for error and warn levels
		AddSource:   logLevel <= slog.LevelWarn,
		ReplaceAttr: redactingReplaceAttr,
	})

	return slog.New(handler)
}

// NewTextLogger creates a new structured logger with human-readable text output.
// This is useful for local development and debugging.
func NewTextLogger() *slog.Logger {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       logLevel,
		AddSource:   logLevel <= slog.LevelWarn,
		ReplaceAttr: redactingReplaceAttr,
	})

	return slog.New(handler)
}

// WithRequestID returns a new logger that includes the request ID from the context.
// This enables request tracing across log entries.
func WithRequestID(ctx context.Context, logger *slog.Logger) *slog.Logger {
	reqID := requestid.FromContext(ctx)
	if reqID == "" {
		return logger
	}
	return logger.With("request_id", reqID)
}

// WithFields returns a new logger with additional structured fields.
// Fields are provided as key-value pairs.
func WithFields(logger *slog.Logger, fields map[string]interface{}) *slog.Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return logger.With(args...)
}

// FromContext retrieves the logger from the context, or returns the default logger if not found.
// This enables passing loggers through the application via context.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerContextKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

type contextKey string

const loggerContextKey contextKey = "logger"

// Envelope is the trace & structured log envelope every pipeline-stage log
// line carries: traceId is random per execution, executionId stable across
// that execution's retries, stage/step/attempt/retryCount locate the line
// within the run, and itemKey identifies the item being processed. Callers
// derive ItemKey from the owning entity's own fallback order (e.g.
// entity.Product.ItemKey's sourceProductId -> identityKey -> impactItemId
// -> sku -> upc -> hash(url) -> hash(json)) before populating this struct.
type Envelope struct {
	TraceID     string
	ExecutionID string
	Stage       string
	Step        string
	Attempt     int
	RetryCount  int
	ItemKey     string
}

// With returns logger annotated with e's fields, redacted the same as any
// other attribute should one ever collide with sensitiveKeyPatterns.
func (e Envelope) With(logger *slog.Logger) *slog.Logger {
	return logger.With(
		slog.String("trace_id", e.TraceID),
		slog.String("execution_id", e.ExecutionID),
		slog.String("stage", e.Stage),
		slog.String("step", e.Step),
		slog.Int("attempt", e.Attempt),
		slog.Int("retry_count", e.RetryCount),
		slog.String("item_key", e.ItemKey),
	)
}

// Sampler implements the per-item debug-log sampling policy: the first
// AlwaysFirst items seen in an execution are always logged, after which a
// deterministic sample at Rate, keyed on sha256(traceId:itemKey), decides
// emission so the same item samples the same way across retries instead
// of flipping a coin each time.
type Sampler struct {
	AlwaysFirst int
	Rate        float64

	mu   sync.Mutex
	seen int
}

// NewSampler constructs a Sampler. rate is clamped to [0,1].
func NewSampler(alwaysFirst int, rate float64) *Sampler {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return &Sampler{AlwaysFirst: alwaysFirst, Rate: rate}
}

// ShouldLog reports whether the next item in this execution should be
// logged at debug level, consuming one slot of the always-log budget.
func (s *Sampler) ShouldLog(traceID, itemKey string) bool {
	s.mu.Lock()
	n := s.seen
	s.seen++
	s.mu.Unlock()

	if n < s.AlwaysFirst {
		return true
	}
	return deterministicSample(traceID, itemKey, s.Rate)
}

// deterministicSample maps sha256(traceId:itemKey)'s leading 8 bytes onto
// [0,1) and compares against rate.
func deterministicSample(traceID, itemKey string, rate float64) bool {
	sum := sha256.Sum256([]byte(traceID + ":" + itemKey))
	v := binary.BigEndian.Uint64(sum[:8])
	frac := float64(v) / float64(math.MaxUint64)
	return frac < rate
}
