package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/gatewarden/gatewarden/pkg/constants"
)

// Config holds the application's configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Log         LogConfig         `mapstructure:"log"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	EnablePprof     bool          `mapstructure:"enable_pprof"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	// Backend is one of "memory", "redis", "postgres".
	Backend string `mapstructure:"backend"`

	// Retention bounds how long terminal records are kept for replay.
	Retention time.Duration `mapstructure:"retention"`
}

type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	ConnTimeout     time.Duration `mapstructure:"conn_timeout"`
}

func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

type IdempotencyConfig struct {
	// Lease bounds how long a request may hold a key in Processing.
	Lease time.Duration `mapstructure:"lease"`

	// FailClosed rejects requests when the store is unreachable instead of
	// admitting them unprotected.
	FailClosed bool `mapstructure:"fail_closed"`
}

// RuleConfig declares one rate-limit rule. Rules are matched by longest
// path prefix.
type RuleConfig struct {
	PathPrefix  string        `mapstructure:"path_prefix"`
	MaxRequests int64         `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

type RateLimitConfig struct {
	Rules []RuleConfig `mapstructure:"rules"`
}

type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	AuditTopic   string        `mapstructure:"audit_topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	Environment    string  `mapstructure:"environment"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

// Validate checks for essential configuration values.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unsupported store backend: %q", c.Store.Backend)
	}

	if c.Idempotency.Lease <= 0 {
		return fmt.Errorf("idempotency lease must be positive, got %s", c.Idempotency.Lease)
	}
	if c.Store.Retention <= c.Idempotency.Lease {
		return fmt.Errorf("store retention (%s) must exceed the idempotency lease (%s)",
			c.Store.Retention, c.Idempotency.Lease)
	}

	for _, rule := range c.RateLimit.Rules {
		if rule.PathPrefix == "" || rule.PathPrefix[0] != '/' {
			return fmt.Errorf("rate limit rule prefix %q must start with '/'", rule.PathPrefix)
		}
		if rule.MaxRequests <= 0 {
			return fmt.Errorf("rate limit rule %q: max_requests must be positive", rule.PathPrefix)
		}
		if rule.Window <= 0 {
			return fmt.Errorf("rate limit rule %q: window must be positive", rule.PathPrefix)
		}
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka audit enabled but no brokers configured")
	}

	return nil
}

func setViperDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.enable_pprof", false)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.retention", constants.DefaultRecordRetention)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "gatewarden")
	v.SetDefault("postgres.database", "gatewarden")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("postgres.max_conn_idle_time", 30*time.Minute)
	v.SetDefault("postgres.conn_timeout", 10*time.Second)

	v.SetDefault("idempotency.lease", constants.DefaultProcessingLease)
	v.SetDefault("idempotency.fail_closed", false)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.audit_topic", "gatewarden.audit")
	v.SetDefault("kafka.write_timeout", 10*time.Second)
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", time.Second)
	v.SetDefault("kafka.required_acks", 1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "gatewarden")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.sampling_rate", 1.0)
}
