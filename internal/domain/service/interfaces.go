package service

import (
	"context"
	"time"

	"github.com/gatewarden/gatewarden/internal/domain/models"
)

// RecordStore persists idempotency records and rate-limit counters. All
// mutating operations must be atomic against concurrent callers; in
// particular TryInsertProcessing behaves as a linearizable insert-if-absent
// and IncrementWindow as a single increment-or-reset. Implementations live in
// internal/infrastructure/store.
type RecordStore interface {
	// TryInsertProcessing atomically creates a Processing record for key.
	// It returns false without modifying anything when a live record already
	// exists. Two kinds of existing records count as absent and are taken
	// over in the same atomic step: a Processing record whose lease has
	// expired (abandoned request) and a Failed record (retryable attempt).
	// Completed records are never overwritten.
	TryInsertProcessing(ctx context.Context, key, requestHash, actorID string, lease time.Duration) (bool, error)

	// Read returns the record for key, or (nil, nil) when absent.
	Read(ctx context.Context, key string) (*models.IdempotencyRecord, error)

	// Complete transitions the record to Completed and caches the response.
	Complete(ctx context.Context, key string, statusCode int, contentType string, body []byte) error

	// Fail transitions the record to Failed with the given error message.
	Fail(ctx context.Context, key string, errMsg string) error

	// IncrementWindow atomically increments the counter for bucketKey,
	// starting a fresh window of the given length when none exists or the
	// previous one has ended. It returns the post-increment count and the end
	// of the current window.
	IncrementWindow(ctx context.Context, bucketKey string, window time.Duration) (int64, time.Time, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}

// AuditService receives denial events. Emission is fire-and-forget: failures
// are logged by the implementation and never influence admission decisions.
type AuditService interface {
	Emit(ctx context.Context, event models.AuditEvent)
	Close() error
}
