// Package postgres provides PostgreSQL connection management using the pgx
// driver, exposed both as a pgx pool and as a GORM handle for the store layer.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/pkg/logger"
)

// DBConnection manages the PostgreSQL connection pool lifecycle.
type DBConnection struct {
	pool   *pgxpool.Pool
	gormDB *gorm.DB
	logger logger.Logger
}

// NewDBConnection creates the pgx connection pool and wraps it in a GORM
// handle. The pool is verified with a ping before returning.
func NewDBConnection(ctx context.Context, cfg config.PostgresConfig, log logger.Logger) (*DBConnection, error) {
	log = log.WithComponent("postgres")

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		log.Error(ctx, "postgres ping failed", err,
			logger.String("host", cfg.Host),
			logger.Int("port", cfg.Port))
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{
		Conn: stdlib.OpenDBFromPool(pool),
	}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to open gorm over pgx pool: %w", err)
	}

	log.Info(ctx, "postgres connection pool initialized",
		logger.String("host", cfg.Host),
		logger.String("database", cfg.Database),
		logger.Int("max_conns", cfg.MaxConns))

	return &DBConnection{
		pool:   pool,
		gormDB: gormDB,
		logger: log,
	}, nil
}

// Pool returns the underlying pgx pool.
func (db *DBConnection) Pool() *pgxpool.Pool {
	return db.pool
}

// Gorm returns the GORM handle backed by the pgx pool.
func (db *DBConnection) Gorm() *gorm.DB {
	return db.gormDB
}

// Ping verifies database connectivity.
func (db *DBConnection) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := db.pool.Ping(pingCtx); err != nil {
		db.logger.Error(ctx, "database ping failed", err)
		return err
	}

	latency := time.Since(start)
	if latency > 100*time.Millisecond {
		db.logger.Warn(ctx, "high database latency",
			logger.Int64("latency_ms", latency.Milliseconds()))
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DBConnection) Close() {
	db.pool.Close()
	db.logger.Info(context.Background(), "postgres connection pool closed")
}
