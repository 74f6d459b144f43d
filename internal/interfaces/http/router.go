// Package http assembles the gin engine, routes, and server lifecycle.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/interfaces/http/handlers"
	"github.com/gatewarden/gatewarden/internal/interfaces/http/middleware"
	"github.com/gatewarden/gatewarden/pkg/constants"
	"github.com/gatewarden/gatewarden/pkg/logger"
)

// Router owns the HTTP surface of the admission service.
type Router struct {
	engine          *gin.Engine
	config          *config.Config
	logger          logger.Logger
	healthHandler   *handlers.HealthHandler
	resourceHandler *handlers.ResourceHandler
	pipeline        *middleware.AdmissionPipeline
	tracer          trace.Tracer
	server          *http.Server
}

// NewRouter creates the router.
func NewRouter(
	cfg *config.Config,
	log logger.Logger,
	healthHandler *handlers.HealthHandler,
	resourceHandler *handlers.ResourceHandler,
	pipeline *middleware.AdmissionPipeline,
	tracer trace.Tracer,
) *Router {
	gin.SetMode(gin.ReleaseMode)
	return &Router{
		engine:          gin.New(),
		config:          cfg,
		logger:          log,
		healthHandler:   healthHandler,
		resourceHandler: resourceHandler,
		pipeline:        pipeline,
		tracer:          tracer,
	}
}

// SetupRoutes registers middleware and routes.
func (r *Router) SetupRoutes() {
	r.engine.Use(gin.Recovery())
	r.engine.Use(middleware.RequestIDMiddleware())
	r.engine.Use(middleware.ObservabilityMiddleware(r.tracer, r.logger))

	corsConfig := cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Authorization",
			constants.HeaderRequestID, constants.HeaderIdempotencyKey,
		},
		ExposeHeaders: []string{
			constants.HeaderRequestID,
			constants.HeaderIdempotentReplay,
			constants.HeaderRateLimitLimit,
			constants.HeaderRateLimitRemaining,
			constants.HeaderRateLimitReset,
			constants.HeaderRetryAfter,
		},
		MaxAge: 12 * time.Hour,
	}
	r.engine.Use(cors.New(corsConfig))

	r.engine.GET("/health/live", r.healthHandler.LivenessCheck)
	r.engine.GET("/health/ready", r.healthHandler.ReadinessCheck)

	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if r.config.Server.EnablePprof {
		pprof.Register(r.engine)
	}

	// Covered endpoints: every mutating route in this group passes through
	// actor resolution and the admission pipeline.
	v1 := r.engine.Group("/v1")
	v1.Use(middleware.ActorMiddleware(r.logger))
	v1.Use(r.pipeline.Handle())
	{
		v1.POST("/profiles", r.resourceHandler.CreateProfile)
		v1.POST("/documents", r.resourceHandler.CreateDocument)
		v1.POST("/documents/submit-for-review", r.resourceHandler.SubmitForReview)
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"errorCode": "NOT_FOUND",
			"message":   "the requested resource was not found",
		})
	})
}

// Start runs the HTTP server until the listener fails or Stop is called.
func (r *Router) Start() error {
	r.SetupRoutes()

	addr := fmt.Sprintf("%s:%d", r.config.Server.Host, r.config.Server.Port)
	r.server = &http.Server{
		Addr:           addr,
		Handler:        r.engine,
		ReadTimeout:    r.config.Server.ReadTimeout,
		WriteTimeout:   r.config.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	r.logger.Info(context.Background(), "starting http server", logger.String("address", addr))

	if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (r *Router) Stop(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	r.logger.Info(ctx, "stopping http server")
	return r.server.Shutdown(ctx)
}

// Engine exposes the gin engine, used by tests.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}
