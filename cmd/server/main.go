package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/domain/service"
	"github.com/gatewarden/gatewarden/internal/infrastructure/audit"
	"github.com/gatewarden/gatewarden/internal/infrastructure/monitoring"
	"github.com/gatewarden/gatewarden/internal/infrastructure/persistence/postgres"
	persistenceredis "github.com/gatewarden/gatewarden/internal/infrastructure/persistence/redis"
	"github.com/gatewarden/gatewarden/internal/infrastructure/store"
	gwhttp "github.com/gatewarden/gatewarden/internal/interfaces/http"
	"github.com/gatewarden/gatewarden/internal/interfaces/http/handlers"
	"github.com/gatewarden/gatewarden/internal/interfaces/http/middleware"
	"github.com/gatewarden/gatewarden/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	appLogger, err := monitoring.NewZapLogger(cfg.Log)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := monitoring.NewTracingManager(cfg.Tracing, appLogger)
	if err != nil {
		appLogger.Fatal(ctx, "failed to initialize tracing", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	metrics := monitoring.NewMetrics()

	recordStore, storeCleanup, err := buildStore(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal(ctx, "failed to initialize record store", err)
	}
	defer storeCleanup()

	var auditor service.AuditService
	if cfg.Kafka.Enabled {
		auditor = audit.NewKafkaProducer(cfg.Kafka, appLogger)
	} else {
		auditor = audit.NewNoopProducer()
	}
	defer func() { _ = auditor.Close() }()

	coordinator := service.NewCoordinator(recordStore, service.CoordinatorConfig{
		Lease:      cfg.Idempotency.Lease,
		FailClosed: cfg.Idempotency.FailClosed,
	}, appLogger, metrics)

	table, err := service.NewRuleTable(endpointRules(cfg))
	if err != nil {
		appLogger.Fatal(ctx, "invalid rate limit rules", err)
	}
	limiter := service.NewRateLimiter(recordStore, table, appLogger, metrics)

	pipeline := middleware.NewAdmissionPipeline(coordinator, limiter, auditor, appLogger)
	healthHandler := handlers.NewHealthHandler(recordStore, appLogger)
	resourceHandler := handlers.NewResourceHandler(appLogger)

	router := gwhttp.NewRouter(cfg, appLogger, healthHandler, resourceHandler, pipeline,
		tracing.Tracer())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(router.Start)

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return router.Stop(shutdownCtx)
	})

	if pg, ok := recordStore.(*store.PostgresStore); ok {
		g.Go(func() error {
			return runPurgeLoop(gctx, pg, appLogger)
		})
	}

	appLogger.Info(ctx, "gatewarden started",
		logger.String("backend", cfg.Store.Backend),
		logger.Int("rules", len(cfg.RateLimit.Rules)))

	if err := g.Wait(); err != nil && err != context.Canceled {
		appLogger.Error(context.Background(), "server exited with error", err)
	}
	appLogger.Info(context.Background(), "gatewarden stopped")
}

// buildStore constructs the configured record store backend and returns a
// cleanup function for its connections.
func buildStore(ctx context.Context, cfg *config.Config, log logger.Logger) (service.RecordStore, func(), error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(cfg.Store.Retention), func() {}, nil

	case "redis":
		conn := persistenceredis.NewRedisConnection(cfg.Redis, log)
		if err := conn.Connect(ctx); err != nil {
			return nil, nil, err
		}
		s, err := store.NewRedisStore(conn.Client(), cfg.Store.Retention, log)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return s, func() { _ = conn.Close() }, nil

	case "postgres":
		db, err := postgres.NewDBConnection(ctx, cfg.Postgres, log)
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewPostgresStore(db.Gorm(), cfg.Store.Retention, log)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return s, db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store backend: %q", cfg.Store.Backend)
	}
}

func endpointRules(cfg *config.Config) []service.EndpointRule {
	rules := make([]service.EndpointRule, 0, len(cfg.RateLimit.Rules))
	for _, r := range cfg.RateLimit.Rules {
		rules = append(rules, service.EndpointRule{
			PathPrefix:  r.PathPrefix,
			MaxRequests: r.MaxRequests,
			Window:      r.Window,
		})
	}
	return rules
}

// runPurgeLoop deletes retention-expired rows periodically. Redis and the
// in-memory cache expire keys natively; only the relational backend needs it.
func runPurgeLoop(ctx context.Context, pg *store.PostgresStore, log logger.Logger) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			purged, err := pg.PurgeExpired(ctx)
			if err != nil {
				log.Warn(ctx, "failed to purge expired records", logger.Error(err))
				continue
			}
			if purged > 0 {
				log.Info(ctx, "purged expired records", logger.Int64("count", purged))
			}
		}
	}
}
