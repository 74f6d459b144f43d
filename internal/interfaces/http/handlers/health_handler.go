// Package handlers contains the HTTP endpoint handlers.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gatewarden/gatewarden/internal/domain/service"
	"github.com/gatewarden/gatewarden/pkg/logger"
)

// HealthHandler provides liveness and readiness endpoints.
type HealthHandler struct {
	store service.RecordStore
	log   logger.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(store service.RecordStore, log logger.Logger) *HealthHandler {
	return &HealthHandler{
		store: store,
		log:   log.WithComponent("health"),
	}
}

// LivenessCheck reports that the process is up.
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
	})
}

// ReadinessCheck reports whether the service can admit requests, which
// requires the record store to be reachable.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	checks := map[string]string{"store": "ok"}
	status := "ready"
	httpStatus := http.StatusOK

	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.log.Warn(c.Request.Context(), "readiness check failed", logger.Error(err))
		checks["store"] = "error: " + err.Error()
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}
