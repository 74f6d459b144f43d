package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/gatewarden/gatewarden/internal/domain/models"
	"github.com/gatewarden/gatewarden/pkg/constants"
	"github.com/gatewarden/gatewarden/pkg/logger"
)

// idempotencyRow is the persistence shape of an idempotency record.
// Timestamps are stored as Unix milliseconds so the same SQL runs unchanged
// on Postgres and on SQLite in unit tests.
type idempotencyRow struct {
	Key                 string `gorm:"column:key;primaryKey"`
	RequestHash         string `gorm:"column:request_hash;not null"`
	ActorID             string `gorm:"column:actor_id"`
	State               string `gorm:"column:state;not null"`
	ResponseStatusCode  int    `gorm:"column:response_status_code"`
	ResponseContentType string `gorm:"column:response_content_type"`
	ResponseBody        []byte `gorm:"column:response_body"`
	CreatedAtMs         int64  `gorm:"column:created_at_ms;not null"`
	LeaseExpiresAtMs    int64  `gorm:"column:lease_expires_at_ms;not null"`
	CompletedAtMs       *int64 `gorm:"column:completed_at_ms"`
	LastError           string `gorm:"column:last_error"`
	ExpiresAtMs         int64  `gorm:"column:expires_at_ms;not null;index"`
}

func (idempotencyRow) TableName() string { return "idempotency_records" }

type rateLimitRow struct {
	BucketKey     string `gorm:"column:bucket_key;primaryKey"`
	WindowStartMs int64  `gorm:"column:window_start_ms;not null"`
	WindowEndMs   int64  `gorm:"column:window_end_ms;not null"`
	RequestCount  int64  `gorm:"column:request_count;not null"`
}

func (rateLimitRow) TableName() string { return "rate_limit_entries" }

// PostgresStore implements RecordStore on a relational database through GORM.
// Both conditional writes are single upsert statements, so atomicity comes
// from the database rather than from application-level read-then-write.
// Retention is enforced lazily: expired rows are invisible to reads and
// reclaimed opportunistically.
type PostgresStore struct {
	db        *gorm.DB
	log       logger.Logger
	retention time.Duration
	clock     func() time.Time
}

// NewPostgresStore migrates the schema and returns a relational store.
func NewPostgresStore(db *gorm.DB, retention time.Duration, log logger.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db handle is required")
	}
	if retention <= 0 {
		retention = constants.DefaultRecordRetention
	}
	if err := db.AutoMigrate(&idempotencyRow{}, &rateLimitRow{}); err != nil {
		return nil, fmt.Errorf("migrate admission schema: %w", err)
	}
	return &PostgresStore{
		db:        db,
		log:       log.WithComponent("postgres-store"),
		retention: retention,
		clock:     time.Now,
	}, nil
}

// TryInsertProcessing claims the key in one upsert: the conflict branch only
// fires for rows that are claimable (expired retention, expired Processing
// lease, or Failed), so a live record makes the statement affect zero rows.
func (s *PostgresStore) TryInsertProcessing(ctx context.Context, key, requestHash, actorID string, lease time.Duration) (bool, error) {
	now := s.clock()
	nowMs := now.UnixMilli()
	row := idempotencyRow{
		Key:              key,
		RequestHash:      requestHash,
		ActorID:          actorID,
		State:            string(constants.RecordStateProcessing),
		CreatedAtMs:      nowMs,
		LeaseExpiresAtMs: now.Add(lease).UnixMilli(),
		ExpiresAtMs:      now.Add(s.retention).UnixMilli(),
	}

	result := s.db.WithContext(ctx).Exec(`
		INSERT INTO idempotency_records
			(key, request_hash, actor_id, state, response_status_code, response_content_type,
			 response_body, created_at_ms, lease_expires_at_ms, completed_at_ms, last_error, expires_at_ms)
		VALUES (?, ?, ?, ?, 0, '', NULL, ?, ?, NULL, '', ?)
		ON CONFLICT (key) DO UPDATE SET
			request_hash = excluded.request_hash,
			actor_id = excluded.actor_id,
			state = excluded.state,
			response_status_code = 0,
			response_content_type = '',
			response_body = NULL,
			created_at_ms = excluded.created_at_ms,
			lease_expires_at_ms = excluded.lease_expires_at_ms,
			completed_at_ms = NULL,
			last_error = '',
			expires_at_ms = excluded.expires_at_ms
		WHERE idempotency_records.expires_at_ms <= excluded.created_at_ms
		   OR idempotency_records.state = 'failed'
		   OR (idempotency_records.state = 'processing'
		       AND idempotency_records.lease_expires_at_ms <= excluded.created_at_ms)`,
		row.Key, row.RequestHash, row.ActorID, row.State,
		row.CreatedAtMs, row.LeaseExpiresAtMs, row.ExpiresAtMs,
	)
	if result.Error != nil {
		return false, fmt.Errorf("insert processing record: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Read returns the record for key, treating retention-expired rows as absent.
func (s *PostgresStore) Read(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	var row idempotencyRow
	err := s.db.WithContext(ctx).
		Where("key = ? AND expires_at_ms > ?", key, s.clock().UnixMilli()).
		Take(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}

	record := &models.IdempotencyRecord{
		Key:                 row.Key,
		RequestHash:         row.RequestHash,
		ActorID:             row.ActorID,
		State:               constants.RecordState(row.State),
		ResponseStatusCode:  row.ResponseStatusCode,
		ResponseContentType: row.ResponseContentType,
		ResponseBody:        row.ResponseBody,
		CreatedAt:           time.UnixMilli(row.CreatedAtMs),
		LeaseExpiresAt:      time.UnixMilli(row.LeaseExpiresAtMs),
		LastError:           row.LastError,
	}
	if row.CompletedAtMs != nil {
		t := time.UnixMilli(*row.CompletedAtMs)
		record.CompletedAt = &t
	}
	return record, nil
}

// Complete caches the response on the Processing row.
func (s *PostgresStore) Complete(ctx context.Context, key string, statusCode int, contentType string, body []byte) error {
	nowMs := s.clock().UnixMilli()
	result := s.db.WithContext(ctx).
		Model(&idempotencyRow{}).
		Where("key = ? AND state = ?", key, string(constants.RecordStateProcessing)).
		Updates(map[string]interface{}{
			"state":                 string(constants.RecordStateCompleted),
			"response_status_code":  statusCode,
			"response_content_type": contentType,
			"response_body":         body,
			"completed_at_ms":       nowMs,
			"last_error":            "",
		})
	if result.Error != nil {
		return fmt.Errorf("complete record: %w", result.Error)
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("record %q is not in processing state", key)
	}
	return nil
}

// Fail marks the Processing row as failed.
func (s *PostgresStore) Fail(ctx context.Context, key string, errMsg string) error {
	result := s.db.WithContext(ctx).
		Model(&idempotencyRow{}).
		Where("key = ? AND state = ?", key, string(constants.RecordStateProcessing)).
		Updates(map[string]interface{}{
			"state":      string(constants.RecordStateFailed),
			"last_error": errMsg,
		})
	if result.Error != nil {
		return fmt.Errorf("fail record: %w", result.Error)
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("record %q is not in processing state", key)
	}
	return nil
}

// IncrementWindow is a single upsert whose conflict branch either bumps the
// live window's counter or restarts an elapsed window at one, all inside the
// database's row-level atomicity.
func (s *PostgresStore) IncrementWindow(ctx context.Context, bucketKey string, window time.Duration) (int64, time.Time, error) {
	now := s.clock()
	nowMs := now.UnixMilli()
	endMs := now.Add(window).UnixMilli()

	var row rateLimitRow
	err := s.db.WithContext(ctx).Raw(`
		INSERT INTO rate_limit_entries (bucket_key, window_start_ms, window_end_ms, request_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (bucket_key) DO UPDATE SET
			request_count = CASE
				WHEN rate_limit_entries.window_end_ms <= excluded.window_start_ms THEN 1
				ELSE rate_limit_entries.request_count + 1
			END,
			window_start_ms = CASE
				WHEN rate_limit_entries.window_end_ms <= excluded.window_start_ms THEN excluded.window_start_ms
				ELSE rate_limit_entries.window_start_ms
			END,
			window_end_ms = CASE
				WHEN rate_limit_entries.window_end_ms <= excluded.window_start_ms THEN excluded.window_end_ms
				ELSE rate_limit_entries.window_end_ms
			END
		RETURNING bucket_key, window_start_ms, window_end_ms, request_count`,
		bucketKey, nowMs, endMs,
	).Scan(&row).Error
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("increment window: %w", err)
	}

	return row.RequestCount, time.UnixMilli(row.WindowEndMs), nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// PurgeExpired deletes rows past their retention or window end. Intended to
// run from a periodic job or an operator task; correctness never depends on
// it because reads filter on expiry.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	nowMs := s.clock().UnixMilli()

	records := s.db.WithContext(ctx).
		Where("expires_at_ms <= ?", nowMs).
		Delete(&idempotencyRow{})
	if records.Error != nil {
		return 0, fmt.Errorf("purge records: %w", records.Error)
	}

	windows := s.db.WithContext(ctx).
		Where("window_end_ms <= ?", nowMs).
		Delete(&rateLimitRow{})
	if windows.Error != nil {
		return records.RowsAffected, fmt.Errorf("purge windows: %w", windows.Error)
	}

	return records.RowsAffected + windows.RowsAffected, nil
}

// SetClock overrides the time source. Test helper.
func (s *PostgresStore) SetClock(clock func() time.Time) {
	s.clock = clock
}
