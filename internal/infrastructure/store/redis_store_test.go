package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/pkg/constants"
	"github.com/gatewarden/gatewarden/pkg/logger"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s, err := NewRedisStore(client, time.Hour, logger.NewNullLogger())
	require.NoError(t, err)
	return s, mr
}

func TestRedisStoreInsert(t *testing.T) {
	ctx := context.Background()

	t.Run("should insert a fresh processing record", func(t *testing.T) {
		s, _ := newTestRedisStore(t)

		inserted, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, inserted)

		record, err := s.Read(ctx, "k1")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, constants.RecordStateProcessing, record.State)
		assert.Equal(t, "h1", record.RequestHash)
		assert.Equal(t, "actor-1", record.ActorID)
		assert.True(t, record.LeaseExpiresAt.After(record.CreatedAt))
	})

	t.Run("should lose against a live processing record", func(t *testing.T) {
		s, _ := newTestRedisStore(t)

		inserted, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		require.True(t, inserted)

		inserted, err = s.TryInsertProcessing(ctx, "k1", "h1", "actor-2", time.Minute)
		require.NoError(t, err)
		assert.False(t, inserted)
	})

	t.Run("should take over an expired processing lease", func(t *testing.T) {
		s, _ := newTestRedisStore(t)

		inserted, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Millisecond)
		require.NoError(t, err)
		require.True(t, inserted)

		time.Sleep(5 * time.Millisecond)

		inserted, err = s.TryInsertProcessing(ctx, "k1", "h1", "actor-2", time.Minute)
		require.NoError(t, err)
		assert.True(t, inserted)

		record, err := s.Read(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "actor-2", record.ActorID)
	})

	t.Run("should take over a failed record", func(t *testing.T) {
		s, _ := newTestRedisStore(t)

		_, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Fail(ctx, "k1", "boom"))

		inserted, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, inserted)
	})

	t.Run("should never overwrite a completed record", func(t *testing.T) {
		s, _ := newTestRedisStore(t)

		_, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, "k1", 201, "application/json", []byte(`{"id":1}`)))

		inserted, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		assert.False(t, inserted)
	})

	t.Run("should expire records after retention", func(t *testing.T) {
		s, mr := newTestRedisStore(t)

		_, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, "k1", 200, "text/plain", []byte("ok")))

		mr.FastForward(2 * time.Hour)

		record, err := s.Read(ctx, "k1")
		require.NoError(t, err)
		assert.Nil(t, record)
	})
}

func TestRedisStoreTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("should cache the response byte for byte", func(t *testing.T) {
		s, _ := newTestRedisStore(t)
		body := []byte(`{"email":"a@x.com","n":42}`)

		_, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, "k1", 201, "application/json", body))

		record, err := s.Read(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, constants.RecordStateCompleted, record.State)
		assert.Equal(t, 201, record.ResponseStatusCode)
		assert.Equal(t, "application/json", record.ResponseContentType)
		assert.Equal(t, body, record.ResponseBody)
		assert.NotNil(t, record.CompletedAt)
	})

	t.Run("should record the error message on fail", func(t *testing.T) {
		s, _ := newTestRedisStore(t)

		_, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Fail(ctx, "k1", "handler exploded"))

		record, err := s.Read(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, constants.RecordStateFailed, record.State)
		assert.Equal(t, "handler exploded", record.LastError)
	})

	t.Run("should reject complete on a missing record", func(t *testing.T) {
		s, _ := newTestRedisStore(t)
		assert.Error(t, s.Complete(ctx, "nope", 200, "text/plain", nil))
	})

	t.Run("should read absent keys as nil", func(t *testing.T) {
		s, _ := newTestRedisStore(t)

		record, err := s.Read(ctx, "never-seen")
		require.NoError(t, err)
		assert.Nil(t, record)
	})
}

func TestRedisStoreWindows(t *testing.T) {
	ctx := context.Background()

	t.Run("should count within a single window", func(t *testing.T) {
		s, _ := newTestRedisStore(t)

		for i := int64(1); i <= 5; i++ {
			count, windowEnd, err := s.IncrementWindow(ctx, "actor|/v1/profiles", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, i, count)
			assert.True(t, windowEnd.After(time.Now()))
		}
	})

	t.Run("should reset after the window elapses", func(t *testing.T) {
		s, mr := newTestRedisStore(t)

		count, _, err := s.IncrementWindow(ctx, "b", time.Minute)
		require.NoError(t, err)
		require.Equal(t, int64(1), count)

		count, _, err = s.IncrementWindow(ctx, "b", time.Minute)
		require.NoError(t, err)
		require.Equal(t, int64(2), count)

		mr.FastForward(time.Minute)

		count, _, err = s.IncrementWindow(ctx, "b", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("should keep buckets independent", func(t *testing.T) {
		s, _ := newTestRedisStore(t)

		count, _, err := s.IncrementWindow(ctx, "a", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		count, _, err = s.IncrementWindow(ctx, "b", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
}

func TestRedisStorePing(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))

	mr.Close()
	assert.Error(t, s.Ping(ctx))
}
