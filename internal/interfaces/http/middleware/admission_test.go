package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/internal/domain/service"
	"github.com/gatewarden/gatewarden/internal/infrastructure/audit"
	"github.com/gatewarden/gatewarden/internal/infrastructure/store"
	"github.com/gatewarden/gatewarden/pkg/constants"
	"github.com/gatewarden/gatewarden/pkg/logger"
)

type pipelineFixture struct {
	router      *gin.Engine
	store       *store.MemoryStore
	handlerHits atomic.Int64
	block       chan struct{}
	entered     chan struct{}
}

func newPipelineFixture(t *testing.T, rules []service.EndpointRule, cfg service.CoordinatorConfig) *pipelineFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNullLogger()

	s := store.NewMemoryStore(time.Hour)
	if cfg.Lease == 0 {
		cfg.Lease = time.Minute
	}
	coordinator := service.NewCoordinator(s, cfg, log, nil)

	table, err := service.NewRuleTable(rules)
	require.NoError(t, err)
	limiter := service.NewRateLimiter(s, table, log, nil)

	f := &pipelineFixture{
		store:   s,
		block:   make(chan struct{}),
		entered: make(chan struct{}, 16),
	}

	pipeline := NewAdmissionPipeline(coordinator, limiter, audit.NewNoopProducer(), log)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ActorMiddleware(log))
	router.Use(pipeline.Handle())
	router.POST("/v1/profiles", func(c *gin.Context) {
		f.handlerHits.Add(1)
		c.JSON(http.StatusCreated, gin.H{"id": "profile-1"})
	})
	router.POST("/v1/slow", func(c *gin.Context) {
		f.entered <- struct{}{}
		<-f.block
		c.JSON(http.StatusCreated, gin.H{"id": "slow-1"})
	})
	router.POST("/v1/broken", func(c *gin.Context) {
		f.handlerHits.Add(1)
		c.JSON(http.StatusInternalServerError, gin.H{"errorCode": "INTERNAL_ERROR", "message": "boom"})
	})
	router.POST("/v1/boom", func(c *gin.Context) {
		f.handlerHits.Add(1)
		panic("handler exploded")
	})

	f.router = router
	return f
}

func (f *pipelineFixture) do(path, key, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(constants.HeaderIdempotencyKey, key)
	}
	f.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Message)
	return body.ErrorCode
}

func TestAdmissionPipeline(t *testing.T) {
	t.Run("should reject a request without an idempotency key", func(t *testing.T) {
		f := newPipelineFixture(t, nil, service.CoordinatorConfig{})

		w := f.do("/v1/profiles", "", `{"a":1}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "MISSING_IDEMPOTENCY_KEY", errorCode(t, w))
		assert.Equal(t, int64(0), f.handlerHits.Load())
	})

	t.Run("should execute the handler once and replay the response", func(t *testing.T) {
		f := newPipelineFixture(t, nil, service.CoordinatorConfig{})

		w1 := f.do("/v1/profiles", "k1", `{"a":1}`)
		require.Equal(t, http.StatusCreated, w1.Code)
		assert.Empty(t, w1.Header().Get(constants.HeaderIdempotentReplay))

		w2 := f.do("/v1/profiles", "k1", `{"a":1}`)
		assert.Equal(t, http.StatusCreated, w2.Code)
		assert.Equal(t, "true", w2.Header().Get(constants.HeaderIdempotentReplay))
		assert.Equal(t, w1.Body.Bytes(), w2.Body.Bytes())
		assert.Equal(t, int64(1), f.handlerHits.Load())
	})

	t.Run("should reject a duplicate while the original is in flight", func(t *testing.T) {
		f := newPipelineFixture(t, nil, service.CoordinatorConfig{})

		firstDone := make(chan *httptest.ResponseRecorder)
		go func() {
			firstDone <- f.do("/v1/slow", "k1", `{"a":1}`)
		}()
		<-f.entered

		w2 := f.do("/v1/slow", "k1", `{"a":1}`)
		assert.Equal(t, http.StatusConflict, w2.Code)
		assert.Equal(t, "DUPLICATE_REQUEST_IN_PROGRESS", errorCode(t, w2))

		close(f.block)
		w1 := <-firstDone
		assert.Equal(t, http.StatusCreated, w1.Code)
	})

	t.Run("should reject key reuse with a different payload", func(t *testing.T) {
		f := newPipelineFixture(t, nil, service.CoordinatorConfig{})

		w1 := f.do("/v1/profiles", "k1", `{"a":1}`)
		require.Equal(t, http.StatusCreated, w1.Code)

		// One byte different.
		w2 := f.do("/v1/profiles", "k1", `{"a":2}`)
		assert.Equal(t, http.StatusUnprocessableEntity, w2.Code)
		assert.Equal(t, "IDEMPOTENCY_KEY_REUSED", errorCode(t, w2))
		assert.Equal(t, int64(1), f.handlerHits.Load())
	})

	t.Run("should mark the record failed and allow a retry after a handler error", func(t *testing.T) {
		f := newPipelineFixture(t, nil, service.CoordinatorConfig{})

		w1 := f.do("/v1/broken", "k1", `{"a":1}`)
		require.Equal(t, http.StatusInternalServerError, w1.Code)

		record, err := f.store.Read(t.Context(), "k1")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, constants.RecordStateFailed, record.State)

		w2 := f.do("/v1/broken", "k1", `{"a":1}`)
		assert.Equal(t, http.StatusInternalServerError, w2.Code)
		assert.Equal(t, int64(2), f.handlerHits.Load())
	})

	t.Run("should mark the record failed and allow a retry after a handler panic", func(t *testing.T) {
		f := newPipelineFixture(t, nil, service.CoordinatorConfig{})

		w1 := f.do("/v1/boom", "k1", `{"a":1}`)
		require.Equal(t, http.StatusInternalServerError, w1.Code)

		record, err := f.store.Read(t.Context(), "k1")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, constants.RecordStateFailed, record.State)

		// The retry is re-admitted instead of colliding with a stuck
		// Processing record.
		w2 := f.do("/v1/boom", "k1", `{"a":1}`)
		assert.Equal(t, http.StatusInternalServerError, w2.Code)
		assert.Equal(t, int64(2), f.handlerHits.Load())
	})
}

func TestAdmissionPipelineRateLimiting(t *testing.T) {
	rules := []service.EndpointRule{
		{PathPrefix: "/v1/profiles", MaxRequests: 5, Window: time.Minute},
	}

	t.Run("should expose rate limit headers on allowed requests", func(t *testing.T) {
		f := newPipelineFixture(t, rules, service.CoordinatorConfig{})

		w := f.do("/v1/profiles", "k1", `{"a":1}`)
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, "5", w.Header().Get(constants.HeaderRateLimitLimit))
		assert.Equal(t, "4", w.Header().Get(constants.HeaderRateLimitRemaining))
		assert.NotEmpty(t, w.Header().Get(constants.HeaderRateLimitReset))
	})

	t.Run("should deny the request after the window is exhausted", func(t *testing.T) {
		f := newPipelineFixture(t, rules, service.CoordinatorConfig{})

		for i := 0; i < 5; i++ {
			w := f.do("/v1/profiles", "key-"+strconv.Itoa(i), `{"a":1}`)
			require.Equal(t, http.StatusCreated, w.Code)
		}

		w := f.do("/v1/profiles", "key-5", `{"a":1}`)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "RATE_LIMIT_EXCEEDED", errorCode(t, w))
		assert.Equal(t, "0", w.Header().Get(constants.HeaderRateLimitRemaining))

		retryAfter, err := strconv.Atoi(w.Header().Get(constants.HeaderRetryAfter))
		require.NoError(t, err)
		assert.Greater(t, retryAfter, 0)
		assert.LessOrEqual(t, retryAfter, 60)
	})

	t.Run("should fail the record on denial so the key stays retryable", func(t *testing.T) {
		f := newPipelineFixture(t, []service.EndpointRule{
			{PathPrefix: "/v1/profiles", MaxRequests: 1, Window: time.Minute},
		}, service.CoordinatorConfig{})

		w1 := f.do("/v1/profiles", "k1", `{"a":1}`)
		require.Equal(t, http.StatusCreated, w1.Code)

		w2 := f.do("/v1/profiles", "k2", `{"a":1}`)
		require.Equal(t, http.StatusTooManyRequests, w2.Code)

		record, err := f.store.Read(t.Context(), "k2")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, constants.RecordStateFailed, record.State)
		assert.Equal(t, int64(1), f.handlerHits.Load())
	})

	t.Run("should report a zero retry hint when the window has already ended", func(t *testing.T) {
		f := newPipelineFixture(t, []service.EndpointRule{
			{PathPrefix: "/v1/profiles", MaxRequests: 1, Window: time.Minute},
		}, service.CoordinatorConfig{})

		// Freeze the store clock in the past so the bucket's window end is
		// already behind the wall clock when the denial is computed.
		past := time.Now().Add(-2 * time.Minute)
		f.store.SetClock(func() time.Time { return past })

		w1 := f.do("/v1/profiles", "k1", `{"a":1}`)
		require.Equal(t, http.StatusCreated, w1.Code)

		w2 := f.do("/v1/profiles", "k2", `{"a":1}`)
		require.Equal(t, http.StatusTooManyRequests, w2.Code)
		assert.Equal(t, "0", w2.Header().Get(constants.HeaderRetryAfter))
	})

	t.Run("should not count denied duplicates against the window", func(t *testing.T) {
		f := newPipelineFixture(t, rules, service.CoordinatorConfig{})

		w1 := f.do("/v1/profiles", "k1", `{"a":1}`)
		require.Equal(t, http.StatusCreated, w1.Code)

		// Replays are answered before rate limiting and leave the counter alone.
		for i := 0; i < 10; i++ {
			w := f.do("/v1/profiles", "k1", `{"a":1}`)
			require.Equal(t, http.StatusCreated, w.Code)
			require.Equal(t, "true", w.Header().Get(constants.HeaderIdempotentReplay))
		}

		w2 := f.do("/v1/profiles", "k2", `{"a":1}`)
		assert.Equal(t, http.StatusCreated, w2.Code)
		assert.Equal(t, "3", w2.Header().Get(constants.HeaderRateLimitRemaining))
	})
}
