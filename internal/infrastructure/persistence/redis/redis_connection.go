// Package redis provides Redis connection management for the record store.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/pkg/logger"
)

// RedisConnection manages the Redis client lifecycle.
type RedisConnection struct {
	config config.RedisConfig
	client redis.UniversalClient
	logger logger.Logger
}

// NewRedisConnection creates a connection manager. Connect must be called
// before the client is usable.
func NewRedisConnection(cfg config.RedisConfig, log logger.Logger) *RedisConnection {
	return &RedisConnection{
		config: cfg,
		logger: log.WithComponent("redis"),
	}
}

// Connect establishes the connection pool and verifies connectivity.
func (rc *RedisConnection) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", rc.config.Host, rc.config.Port)

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: rc.config.Password,
		DB:       rc.config.DB,

		PoolSize:     rc.config.PoolSize,
		MinIdleConns: rc.config.MinIdleConns,

		DialTimeout:  rc.config.DialTimeout,
		ReadTimeout:  rc.config.ReadTimeout,
		WriteTimeout: rc.config.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		rc.logger.Error(ctx, "failed to establish redis connection", err,
			logger.String("addr", addr))
		return fmt.Errorf("redis connection failed: %w", err)
	}

	rc.client = client
	rc.logger.Info(ctx, "redis connection established",
		logger.String("addr", addr),
		logger.Int("db", rc.config.DB),
		logger.Int("pool_size", rc.config.PoolSize))
	return nil
}

// Client returns the Redis client, or nil before Connect succeeds.
func (rc *RedisConnection) Client() redis.UniversalClient {
	return rc.client
}

// Ping checks Redis connectivity.
func (rc *RedisConnection) Ping(ctx context.Context) error {
	if rc.client == nil {
		return fmt.Errorf("redis connection not initialized")
	}
	return rc.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (rc *RedisConnection) Close() error {
	if rc.client == nil {
		return nil
	}
	if err := rc.client.Close(); err != nil {
		rc.logger.Error(context.Background(), "failed to close redis connection", err)
		return err
	}
	rc.logger.Info(context.Background(), "redis connection closed")
	return nil
}
