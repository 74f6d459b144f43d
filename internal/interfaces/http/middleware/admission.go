package middleware

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gatewarden/gatewarden/internal/domain/models"
	"github.com/gatewarden/gatewarden/internal/domain/service"
	"github.com/gatewarden/gatewarden/pkg/constants"
	apperrors "github.com/gatewarden/gatewarden/pkg/errors"
	"github.com/gatewarden/gatewarden/pkg/logger"
)

// bodyCaptureWriter buffers the response body so the pipeline can persist it
// before anything reaches the client. Replays must match the original
// response byte for byte.
type bodyCaptureWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *bodyCaptureWriter) Write(b []byte) (int, error) {
	return w.body.Write(b)
}

func (w *bodyCaptureWriter) WriteString(s string) (int, error) {
	return w.body.WriteString(s)
}

// AdmissionPipeline is the gin adapter over the idempotency coordinator and
// the rate limiter. It owns the request ordering: key presence, admission,
// rate limiting, handler execution with response capture, record completion.
type AdmissionPipeline struct {
	coordinator *service.Coordinator
	limiter     *service.RateLimiter
	audit       service.AuditService
	log         logger.Logger
}

// NewAdmissionPipeline wires the pipeline middleware.
func NewAdmissionPipeline(coordinator *service.Coordinator, limiter *service.RateLimiter, audit service.AuditService, log logger.Logger) *AdmissionPipeline {
	return &AdmissionPipeline{
		coordinator: coordinator,
		limiter:     limiter,
		audit:       audit,
		log:         log.WithComponent("admission"),
	}
}

// Handle returns the middleware protecting covered endpoints.
func (p *AdmissionPipeline) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		key := strings.TrimSpace(c.GetHeader(constants.HeaderIdempotencyKey))
		if key == "" {
			reject(c, apperrors.ErrMissingIdempotencyKey())
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			reject(c, apperrors.ErrInternal(err))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		method := c.Request.Method
		path := c.Request.URL.Path
		requestHash := service.Fingerprint(method, path, body)
		actorID := ActorFromContext(c)

		verdict, err := p.coordinator.Admit(ctx, key, requestHash, actorID)
		if err != nil {
			reject(c, apperrors.ErrStoreUnavailable(err))
			return
		}

		switch verdict.Kind {
		case service.VerdictHashMismatch:
			p.audit.Emit(ctx, models.AuditEvent{
				Type:    constants.AuditEventKeyReuseRejected,
				Key:     key,
				ActorID: actorID,
				Method:  method,
				Path:    path,
			})
			reject(c, apperrors.ErrKeyReused(key))
			return

		case service.VerdictConflictInProgress:
			p.audit.Emit(ctx, models.AuditEvent{
				Type:    constants.AuditEventDuplicateRejected,
				Key:     key,
				ActorID: actorID,
				Method:  method,
				Path:    path,
			})
			reject(c, apperrors.ErrDuplicateInProgress(key))
			return

		case service.VerdictReplay:
			c.Header(constants.HeaderIdempotentReplay, "true")
			contentType := verdict.ReplayContentType
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			c.Data(verdict.ReplayStatusCode, contentType, verdict.ReplayBody)
			c.Abort()
			return
		}

		// Admitted or Degraded: the request holds the key (or proceeds
		// unprotected) and is now subject to rate limiting.
		protected := verdict.Kind == service.VerdictAdmitted

		limit := p.limiter.Check(ctx, actorID, path)
		if limit.Limited {
			c.Header(constants.HeaderRateLimitLimit, strconv.FormatInt(limit.Limit, 10))
			c.Header(constants.HeaderRateLimitRemaining, strconv.FormatInt(limit.Remaining, 10))
			c.Header(constants.HeaderRateLimitReset, strconv.FormatInt(limit.WindowEnd.Unix(), 10))
		}
		if !limit.Allowed {
			// The Processing record must not orphan the key until the lease
			// runs out: mark it Failed so an off-window retry can reuse it.
			if protected {
				_ = p.coordinator.Fail(ctx, key, "rate limit exceeded")
			}
			retryAfter := int(limit.RetryAfter.Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			c.Header(constants.HeaderRetryAfter, strconv.Itoa(retryAfter))
			p.audit.Emit(ctx, models.AuditEvent{
				Type:    constants.AuditEventRateLimited,
				Key:     key,
				ActorID: actorID,
				Method:  method,
				Path:    path,
				Rule:    limit.Rule,
				Detail:  fmt.Sprintf("%d of %d in window", limit.Current, limit.Limit),
			})
			reject(c, apperrors.ErrRateLimitExceeded(limit.Rule, int(limit.Limit)))
			return
		}

		bcw := &bodyCaptureWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = bcw

		// A panicking handler must not leave the record stuck in Processing
		// until the lease expires. Fail it, then let recovery middleware
		// upstream turn the panic into a 500.
		defer func() {
			if r := recover(); r != nil {
				if protected {
					_ = p.coordinator.Fail(ctx, key, fmt.Sprintf("handler panicked: %v", r))
				}
				panic(r)
			}
		}()

		c.Next()

		status := c.Writer.Status()
		responseBody := bcw.body.Bytes()

		if protected {
			if status < 400 && len(c.Errors) == 0 {
				contentType := c.Writer.Header().Get("Content-Type")
				_ = p.coordinator.Complete(ctx, key, status, contentType, responseBody)
			} else {
				_ = p.coordinator.Fail(ctx, key, fmt.Sprintf("handler returned status %d", status))
			}
		}

		// Only now does the response leave the process.
		if len(responseBody) > 0 {
			_, _ = bcw.ResponseWriter.Write(responseBody)
		}
	}
}

func reject(c *gin.Context, err apperrors.AdmissionError) {
	c.AbortWithStatusJSON(err.HTTPStatus(), apperrors.ToErrorResponse(err))
}
