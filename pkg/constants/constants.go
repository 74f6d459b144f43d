// Package constants defines system-wide constants for the Gatewarden admission service.
// This package provides type-safe constant definitions used across all modules.
package constants

import "time"

// ================================================================================
// HTTP Header Constants
// ================================================================================

const (
	// HeaderIdempotencyKey carries the caller-supplied idempotency key.
	HeaderIdempotencyKey = "X-Idempotency-Key"

	// HeaderIdempotentReplay marks a response that was served from the record
	// cache without invoking the handler.
	HeaderIdempotentReplay = "X-Idempotent-Replay"

	// HeaderRetryAfter is the standard throttling backoff header (integer seconds).
	HeaderRetryAfter = "Retry-After"

	// HeaderRateLimitLimit is the request ceiling of the matched rule.
	HeaderRateLimitLimit = "X-RateLimit-Limit"

	// HeaderRateLimitRemaining is the number of requests left in the window.
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"

	// HeaderRateLimitReset is the Unix timestamp (seconds) of the window end.
	HeaderRateLimitReset = "X-RateLimit-Reset"

	// HeaderRequestID propagates the per-request correlation identifier.
	HeaderRequestID = "X-Request-ID"
)

// ================================================================================
// Error Code Constants
// ================================================================================

// ErrorCode is a stable machine-readable error identifier for client branching.
type ErrorCode string

const (
	// ErrCodeMissingIdempotencyKey is returned when a covered endpoint is
	// called without the X-Idempotency-Key header.
	ErrCodeMissingIdempotencyKey ErrorCode = "MISSING_IDEMPOTENCY_KEY"

	// ErrCodeDuplicateInProgress is returned when a request with the same key
	// is still being processed.
	ErrCodeDuplicateInProgress ErrorCode = "DUPLICATE_REQUEST_IN_PROGRESS"

	// ErrCodeKeyReused is returned when a key is reused with a different payload.
	ErrCodeKeyReused ErrorCode = "IDEMPOTENCY_KEY_REUSED"

	// ErrCodeRateLimitExceeded is returned when the actor exceeded the
	// per-endpoint throughput ceiling.
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// ErrCodeStoreUnavailable is returned in fail-closed deployments when the
	// record store cannot be reached.
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"

	// ErrCodeInternal is the catch-all server error code.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// ================================================================================
// Record State Constants
// ================================================================================

// RecordState represents the lifecycle state of an idempotency record.
type RecordState string

const (
	// RecordStateProcessing indicates a request holding the key is in flight.
	RecordStateProcessing RecordState = "processing"

	// RecordStateCompleted indicates the handler finished and its response is cached.
	RecordStateCompleted RecordState = "completed"

	// RecordStateFailed indicates the handler (or the rate limiter) rejected
	// the attempt; the key may be retried.
	RecordStateFailed RecordState = "failed"
)

// ================================================================================
// Audit Event Constants
// ================================================================================

// AuditEventType classifies admission denial events emitted to the audit sink.
type AuditEventType string

const (
	// AuditEventDuplicateRejected is emitted on a conflict-in-progress denial.
	AuditEventDuplicateRejected AuditEventType = "admission.duplicate_rejected"

	// AuditEventKeyReuseRejected is emitted on a hash-mismatch denial.
	AuditEventKeyReuseRejected AuditEventType = "admission.key_reuse_rejected"

	// AuditEventRateLimited is emitted on a rate-limit denial.
	AuditEventRateLimited AuditEventType = "admission.rate_limited"
)

// ================================================================================
// Default Durations
// ================================================================================

const (
	// DefaultProcessingLease bounds how long a record may stay Processing
	// before it is considered abandoned and eligible for takeover.
	DefaultProcessingLease = 30 * time.Second

	// DefaultRecordRetention is how long completed and failed records are kept
	// for replay and reuse detection.
	DefaultRecordRetention = 24 * time.Hour

	// DefaultRateLimitWindow is used when a rule omits its window.
	DefaultRateLimitWindow = time.Minute
)

// ================================================================================
// Context Keys
// ================================================================================

// ContextKey is a private type for request-scoped context values.
type ContextKey string

const (
	// ContextKeyRequestID holds the per-request correlation identifier.
	ContextKeyRequestID ContextKey = "request_id"

	// ContextKeyActorID holds the resolved actor identity.
	ContextKeyActorID ContextKey = "actor_id"
)

// ================================================================================
// Log Level Constants
// ================================================================================

// LogLevel represents logging severity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelFatal
)
