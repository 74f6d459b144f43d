package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gatewarden/gatewarden/internal/domain/models"
	"github.com/gatewarden/gatewarden/pkg/constants"
	"github.com/gatewarden/gatewarden/pkg/logger"
)

// insertProcessingScript is the conditional insert. A live Processing record
// or a Completed record wins the race (returns 0); an absent key, an expired
// lease or a Failed record is claimed and rewritten as Processing (returns 1).
// Timestamps travel as Unix milliseconds.
const insertProcessingScript = `
local state = redis.call('HGET', KEYS[1], 'state')
if state then
    if state == 'completed' then
        return 0
    end
    if state == 'processing' then
        local lease = tonumber(redis.call('HGET', KEYS[1], 'lease_expires_at'))
        if lease and lease > tonumber(ARGV[4]) then
            return 0
        end
    end
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
    'request_hash', ARGV[1],
    'actor_id', ARGV[2],
    'state', 'processing',
    'created_at', ARGV[4],
    'lease_expires_at', tonumber(ARGV[4]) + tonumber(ARGV[3]))
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[5]))
return 1
`

// completeScript caches the response; only a Processing record may complete.
const completeScript = `
if redis.call('HGET', KEYS[1], 'state') ~= 'processing' then
    return 0
end
redis.call('HSET', KEYS[1],
    'state', 'completed',
    'response_status_code', ARGV[1],
    'response_content_type', ARGV[2],
    'response_body', ARGV[3],
    'completed_at', ARGV[4])
redis.call('HDEL', KEYS[1], 'last_error')
return 1
`

const failScript = `
if redis.call('HGET', KEYS[1], 'state') ~= 'processing' then
    return 0
end
redis.call('HSET', KEYS[1], 'state', 'failed', 'last_error', ARGV[1])
return 1
`

// incrementWindowScript is the atomic increment-or-reset. The counter's TTL
// is the window; a fresh counter (or one that somehow lost its TTL) gets the
// full window. Returns the post-increment count and the remaining window in
// milliseconds.
const incrementWindowScript = `
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[1]))
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

// RedisStore implements RecordStore on Redis. Records are hashes with a
// retention TTL; window counters use the INCR plus expire-on-first idiom.
// Every compound operation runs as a Lua script so concurrent callers observe
// a single linearizable step.
type RedisStore struct {
	client    redis.UniversalClient
	log       logger.Logger
	retention time.Duration
	keyPrefix string
}

// NewRedisStore creates a Redis-backed store. Records are retained for the
// given duration after their last transition.
func NewRedisStore(client redis.UniversalClient, retention time.Duration, log logger.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if retention <= 0 {
		retention = constants.DefaultRecordRetention
	}
	return &RedisStore{
		client:    client,
		log:       log.WithComponent("redis-store"),
		retention: retention,
		keyPrefix: "gatewarden:",
	}, nil
}

func (s *RedisStore) recordKey(key string) string {
	return s.keyPrefix + recordKeyPrefix + key
}

func (s *RedisStore) windowKey(bucketKey string) string {
	return s.keyPrefix + windowKeyPrefix + bucketKey
}

// TryInsertProcessing implements the linearizable conditional insert.
func (s *RedisStore) TryInsertProcessing(ctx context.Context, key, requestHash, actorID string, lease time.Duration) (bool, error) {
	now := time.Now()
	result, err := s.client.Eval(ctx, insertProcessingScript,
		[]string{s.recordKey(key)},
		requestHash,
		actorID,
		lease.Milliseconds(),
		now.UnixMilli(),
		s.retention.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("insert processing record: %w", err)
	}
	return result == 1, nil
}

// Read loads and decodes the record hash, or returns (nil, nil) when absent.
func (s *RedisStore) Read(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	record := &models.IdempotencyRecord{
		Key:         key,
		RequestHash: fields["request_hash"],
		ActorID:     fields["actor_id"],
		State:       constants.RecordState(fields["state"]),
		LastError:   fields["last_error"],
	}
	record.CreatedAt = parseMilli(fields["created_at"])
	record.LeaseExpiresAt = parseMilli(fields["lease_expires_at"])
	if v, ok := fields["completed_at"]; ok {
		t := parseMilli(v)
		record.CompletedAt = &t
	}
	if v, ok := fields["response_status_code"]; ok {
		record.ResponseStatusCode, _ = strconv.Atoi(v)
	}
	record.ResponseContentType = fields["response_content_type"]
	if v, ok := fields["response_body"]; ok {
		record.ResponseBody = []byte(v)
	}
	return record, nil
}

// Complete transitions the record to Completed and caches the response.
func (s *RedisStore) Complete(ctx context.Context, key string, statusCode int, contentType string, body []byte) error {
	result, err := s.client.Eval(ctx, completeScript,
		[]string{s.recordKey(key)},
		statusCode,
		contentType,
		string(body),
		time.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("complete record: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("record %q is not in processing state", key)
	}
	return nil
}

// Fail transitions the record to Failed.
func (s *RedisStore) Fail(ctx context.Context, key string, errMsg string) error {
	result, err := s.client.Eval(ctx, failScript,
		[]string{s.recordKey(key)},
		errMsg,
	).Int64()
	if err != nil {
		return fmt.Errorf("fail record: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("record %q is not in processing state", key)
	}
	return nil
}

// IncrementWindow runs the atomic increment-or-reset script and derives the
// window end from the counter's remaining TTL.
func (s *RedisStore) IncrementWindow(ctx context.Context, bucketKey string, window time.Duration) (int64, time.Time, error) {
	result, err := s.client.Eval(ctx, incrementWindowScript,
		[]string{s.windowKey(bucketKey)},
		window.Milliseconds(),
	).Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("increment window: %w", err)
	}
	if len(result) != 2 {
		return 0, time.Time{}, fmt.Errorf("increment window: unexpected script result %v", result)
	}

	count, _ := result[0].(int64)
	ttlMs, _ := result[1].(int64)
	windowEnd := time.Now().Add(time.Duration(ttlMs) * time.Millisecond)
	return count, windowEnd, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func parseMilli(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
