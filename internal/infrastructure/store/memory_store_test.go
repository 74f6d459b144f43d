package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/pkg/constants"
)

func TestMemoryStoreInsert(t *testing.T) {
	ctx := context.Background()

	t.Run("should insert a fresh processing record", func(t *testing.T) {
		s := NewMemoryStore(time.Hour)

		inserted, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, inserted)

		record, err := s.Read(ctx, "k1")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, constants.RecordStateProcessing, record.State)
		assert.Equal(t, "h1", record.RequestHash)
		assert.Equal(t, "actor-1", record.ActorID)
	})

	t.Run("should lose against a live processing record", func(t *testing.T) {
		s := NewMemoryStore(time.Hour)

		inserted, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		require.True(t, inserted)

		inserted, err = s.TryInsertProcessing(ctx, "k1", "h1", "actor-2", time.Minute)
		require.NoError(t, err)
		assert.False(t, inserted)
	})

	t.Run("should take over an expired processing lease", func(t *testing.T) {
		s := NewMemoryStore(time.Hour)
		now := time.Now()
		s.SetClock(func() time.Time { return now })

		inserted, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		require.True(t, inserted)

		now = now.Add(2 * time.Minute)
		inserted, err = s.TryInsertProcessing(ctx, "k1", "h1", "actor-2", time.Minute)
		require.NoError(t, err)
		assert.True(t, inserted)

		record, err := s.Read(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "actor-2", record.ActorID)
	})

	t.Run("should take over a failed record", func(t *testing.T) {
		s := NewMemoryStore(time.Hour)

		inserted, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		require.True(t, inserted)
		require.NoError(t, s.Fail(ctx, "k1", "boom"))

		inserted, err = s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, inserted)

		record, err := s.Read(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, constants.RecordStateProcessing, record.State)
		assert.Empty(t, record.LastError)
	})

	t.Run("should never overwrite a completed record", func(t *testing.T) {
		s := NewMemoryStore(time.Hour)

		inserted, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		require.True(t, inserted)
		require.NoError(t, s.Complete(ctx, "k1", 201, "application/json", []byte(`{"id":1}`)))

		inserted, err = s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		assert.False(t, inserted)
	})

	t.Run("should admit exactly one of many concurrent inserts", func(t *testing.T) {
		s := NewMemoryStore(time.Hour)

		const attempts = 64
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0

		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				inserted, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
				assert.NoError(t, err)
				if inserted {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, winners)
	})
}

func TestMemoryStoreTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("should cache the response on complete", func(t *testing.T) {
		s := NewMemoryStore(time.Hour)

		_, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, "k1", 201, "application/json", []byte(`{"id":7}`)))

		record, err := s.Read(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, constants.RecordStateCompleted, record.State)
		assert.Equal(t, 201, record.ResponseStatusCode)
		assert.Equal(t, "application/json", record.ResponseContentType)
		assert.Equal(t, []byte(`{"id":7}`), record.ResponseBody)
		assert.NotNil(t, record.CompletedAt)
	})

	t.Run("should record the error message on fail", func(t *testing.T) {
		s := NewMemoryStore(time.Hour)

		_, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Fail(ctx, "k1", "handler exploded"))

		record, err := s.Read(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, constants.RecordStateFailed, record.State)
		assert.Equal(t, "handler exploded", record.LastError)
	})

	t.Run("should reject complete on a missing record", func(t *testing.T) {
		s := NewMemoryStore(time.Hour)
		assert.Error(t, s.Complete(ctx, "nope", 200, "text/plain", nil))
	})

	t.Run("should reject fail on a completed record", func(t *testing.T) {
		s := NewMemoryStore(time.Hour)

		_, err := s.TryInsertProcessing(ctx, "k1", "h1", "actor-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, "k1", 200, "text/plain", nil))
		assert.Error(t, s.Fail(ctx, "k1", "too late"))
	})
}

func TestMemoryStoreWindows(t *testing.T) {
	ctx := context.Background()

	t.Run("should count within a single window", func(t *testing.T) {
		s := NewMemoryStore(time.Hour)

		for i := int64(1); i <= 5; i++ {
			count, _, err := s.IncrementWindow(ctx, "actor|/v1/profiles", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, i, count)
		}
	})

	t.Run("should reset when the window ends", func(t *testing.T) {
		s := NewMemoryStore(time.Hour)
		now := time.Now()
		s.SetClock(func() time.Time { return now })

		count, end1, err := s.IncrementWindow(ctx, "b", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		count, _, err = s.IncrementWindow(ctx, "b", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		now = now.Add(61 * time.Second)
		count, end2, err := s.IncrementWindow(ctx, "b", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		assert.True(t, end2.After(end1))
	})

	t.Run("should keep buckets independent", func(t *testing.T) {
		s := NewMemoryStore(time.Hour)

		count, _, err := s.IncrementWindow(ctx, "a", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		count, _, err = s.IncrementWindow(ctx, "b", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("should not lose increments under concurrency", func(t *testing.T) {
		s := NewMemoryStore(time.Hour)

		const attempts = 100
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := s.IncrementWindow(ctx, "hot", time.Minute)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		count, _, err := s.IncrementWindow(ctx, "hot", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(attempts+1), count)
	})
}
