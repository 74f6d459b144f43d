// Package models defines the domain entities of the admission engine.
package models

import (
	"time"

	"github.com/gatewarden/gatewarden/pkg/constants"
)

// IdempotencyRecord tracks one logical operation identified by a
// caller-supplied key. At most one record exists per key; transitions are
// monotonic (Processing -> Completed | Failed) and a terminal record is only
// removed by store-level retention, never by the coordinator.
type IdempotencyRecord struct {
	Key         string                `json:"key"`
	RequestHash string                `json:"request_hash"`
	State       constants.RecordState `json:"state"`

	// ActorID is informational only; it is not part of the key.
	ActorID string `json:"actor_id"`

	// Cached response, populated on Completed and used for replay.
	ResponseStatusCode  int    `json:"response_status_code,omitempty"`
	ResponseContentType string `json:"response_content_type,omitempty"`
	ResponseBody        []byte `json:"response_body,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	LeaseExpiresAt time.Time  `json:"lease_expires_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	// LastError is set when the record enters Failed.
	LastError string `json:"last_error,omitempty"`
}

// LeaseExpired reports whether a Processing record has outlived its lease and
// is eligible for takeover by a fresh attempt.
func (r *IdempotencyRecord) LeaseExpired(now time.Time) bool {
	return r.State == constants.RecordStateProcessing && !r.LeaseExpiresAt.After(now)
}

// Terminal reports whether the record reached Completed or Failed.
func (r *IdempotencyRecord) Terminal() bool {
	return r.State == constants.RecordStateCompleted || r.State == constants.RecordStateFailed
}

// RateLimitEntry is the fixed-window counter for one (actor, rule) bucket.
// It is owned exclusively by the rate limiter; the count reflects exactly the
// requests admitted to counting in [WindowStart, WindowEnd).
type RateLimitEntry struct {
	BucketKey    string    `json:"bucket_key"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	RequestCount int64     `json:"request_count"`
}

// AuditEvent is the fire-and-forget denial event emitted to the audit sink.
type AuditEvent struct {
	EventID   string                   `json:"event_id"`
	Type      constants.AuditEventType `json:"type"`
	Key       string                   `json:"key,omitempty"`
	ActorID   string                   `json:"actor_id,omitempty"`
	Method    string                   `json:"method"`
	Path      string                   `json:"path"`
	Rule      string                   `json:"rule,omitempty"`
	Detail    string                   `json:"detail,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}
