// Package store provides RecordStore implementations: an in-memory reference
// backend, a Redis backend, and a Postgres backend.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/gatewarden/gatewarden/internal/domain/models"
	"github.com/gatewarden/gatewarden/pkg/constants"
)

const (
	recordKeyPrefix = "idem:"
	windowKeyPrefix = "rl:"
)

// MemoryStore is the in-memory reference implementation of RecordStore,
// backed by go-cache for TTL-driven retention and window expiry. Compound
// operations are serialized by a single mutex, which trivially satisfies the
// linearizability the interface demands; the cache's janitor goroutine
// handles eviction.
type MemoryStore struct {
	mu        sync.Mutex
	cache     *gocache.Cache
	retention time.Duration
	clock     func() time.Time
}

// NewMemoryStore creates a store whose records are retained for the given
// duration after their last write.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = constants.DefaultRecordRetention
	}
	return &MemoryStore{
		cache:     gocache.New(retention, retention/2),
		retention: retention,
		clock:     time.Now,
	}
}

// TryInsertProcessing implements the conditional insert. Absent records,
// lease-expired Processing records and Failed records are claimed; anything
// else loses.
func (s *MemoryStore) TryInsertProcessing(ctx context.Context, key, requestHash, actorID string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if existing := s.getRecord(key); existing != nil {
		claimable := existing.LeaseExpired(now) || existing.State == constants.RecordStateFailed
		if !claimable {
			return false, nil
		}
	}

	record := &models.IdempotencyRecord{
		Key:            key,
		RequestHash:    requestHash,
		ActorID:        actorID,
		State:          constants.RecordStateProcessing,
		CreatedAt:      now,
		LeaseExpiresAt: now.Add(lease),
	}
	s.cache.Set(recordKeyPrefix+key, record, s.retention)
	return true, nil
}

// Read returns a copy of the record so callers never alias store memory.
func (s *MemoryStore) Read(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.getRecord(key)
	if record == nil {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

// Complete transitions a Processing record to Completed with the cached response.
func (s *MemoryStore) Complete(ctx context.Context, key string, statusCode int, contentType string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.getRecord(key)
	if record == nil || record.State != constants.RecordStateProcessing {
		return fmt.Errorf("record %q is not in processing state", key)
	}

	now := s.clock()
	record.State = constants.RecordStateCompleted
	record.ResponseStatusCode = statusCode
	record.ResponseContentType = contentType
	record.ResponseBody = append([]byte(nil), body...)
	record.CompletedAt = &now
	record.LastError = ""
	s.cache.Set(recordKeyPrefix+key, record, s.retention)
	return nil
}

// Fail transitions a Processing record to Failed.
func (s *MemoryStore) Fail(ctx context.Context, key string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.getRecord(key)
	if record == nil || record.State != constants.RecordStateProcessing {
		return fmt.Errorf("record %q is not in processing state", key)
	}

	record.State = constants.RecordStateFailed
	record.LastError = errMsg
	s.cache.Set(recordKeyPrefix+key, record, s.retention)
	return nil
}

// IncrementWindow is the atomic increment-or-reset for a fixed-window bucket.
// The entry's TTL equals the window so an untouched bucket disappears exactly
// at the boundary.
func (s *MemoryStore) IncrementWindow(ctx context.Context, bucketKey string, window time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	cacheKey := windowKeyPrefix + bucketKey

	if v, found := s.cache.Get(cacheKey); found {
		entry := v.(*models.RateLimitEntry)
		if entry.WindowEnd.After(now) {
			entry.RequestCount++
			s.cache.Set(cacheKey, entry, entry.WindowEnd.Sub(now))
			return entry.RequestCount, entry.WindowEnd, nil
		}
	}

	entry := &models.RateLimitEntry{
		BucketKey:    bucketKey,
		WindowStart:  now,
		WindowEnd:    now.Add(window),
		RequestCount: 1,
	}
	s.cache.Set(cacheKey, entry, window)
	return 1, entry.WindowEnd, nil
}

// Ping always succeeds for the in-memory backend.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Flush drops every record and counter. Test helper.
func (s *MemoryStore) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Flush()
}

// SetClock overrides the time source. Test helper.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *MemoryStore) getRecord(key string) *models.IdempotencyRecord {
	v, found := s.cache.Get(recordKeyPrefix + key)
	if !found {
		return nil
	}
	return v.(*models.IdempotencyRecord)
}
