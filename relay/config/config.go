// Package config loads the module configuration from the environment.
//
// Configuration is parsed once at process start and passed by reference
// into component constructors; no package reads environment variables on
// its own.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/log"
)

var (
	// ErrInvalidRetryPolicy is returned when the retry bounds are inconsistent.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
	// ErrInvalidBreaker is returned when breaker thresholds are non-positive.
	ErrInvalidBreaker = errors.New("invalid circuit breaker config")
	// ErrInvalidRateLimit is returned when the rate limit budget is non-positive.
	ErrInvalidRateLimit = errors.New("invalid rate limit config")
	// ErrInvalidConcurrency is returned when worker concurrency is non-positive.
	ErrInvalidConcurrency = errors.New("invalid worker concurrency")
)

// Config is the full environment-driven configuration surface.
type Config struct {
	// LogLevel is the minimum emitted log level (error, warn, info, debug).
	LogLevel string `env:"RELAY_LOG_LEVEL" envDefault:"info"`

	// DatabaseURL is the primary Postgres DSN.
	DatabaseURL string `env:"RELAY_DATABASE_URL"`
	// DatabaseReplicaURL optionally points reads at a replica. Empty means
	// the primary serves reads too.
	DatabaseReplicaURL string `env:"RELAY_DATABASE_REPLICA_URL"`
	// DatabaseName names the primary database, used by the migration runner.
	DatabaseName string `env:"RELAY_DATABASE_NAME" envDefault:"relay"`
	// MigrationsPath points at migration scripts to apply on connect. Empty
	// skips migrations; the schema is then managed externally.
	MigrationsPath string `env:"RELAY_MIGRATIONS_PATH"`
	// RedisURL selects the Redis-backed queue store when set; empty keeps
	// the in-process store.
	RedisURL string `env:"RELAY_REDIS_URL"`

	// OperatorListenAddr is the bind address of the dead-letter recovery API.
	OperatorListenAddr string `env:"RELAY_OPERATOR_LISTEN_ADDR" envDefault:":8086"`

	// CallTimeout bounds a single downstream attempt.
	CallTimeout time.Duration `env:"RELAY_CALL_TIMEOUT" envDefault:"10s"`
	// MaxAttempts is the retry ceiling before dead-lettering.
	MaxAttempts int `env:"RELAY_MAX_ATTEMPTS" envDefault:"5"`
	// BaseDelay and MaxDelay bound the exponential backoff curve.
	BaseDelay time.Duration `env:"RELAY_RETRY_BASE_DELAY" envDefault:"500ms"`
	MaxDelay  time.Duration `env:"RELAY_RETRY_MAX_DELAY" envDefault:"10s"`

	// FailureThreshold opens a breaker after that many consecutive failures.
	FailureThreshold uint32 `env:"RELAY_BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	// RecoveryTime is how long an open breaker rejects before probing.
	RecoveryTime time.Duration `env:"RELAY_BREAKER_RECOVERY_TIME" envDefault:"30s"`
	// HalfOpenMaxSuccesses closes a half-open breaker after that many
	// consecutive probe successes.
	HalfOpenMaxSuccesses uint32 `env:"RELAY_BREAKER_HALF_OPEN_SUCCESSES" envDefault:"2"`

	// DocumentRateLimit and NotificationRateLimit are per-window admission
	// budgets for the two downstream dependencies.
	DocumentRateLimit     int           `env:"RELAY_DOCS_RATE_LIMIT" envDefault:"5"`
	NotificationRateLimit int           `env:"RELAY_CHAT_RATE_LIMIT" envDefault:"10"`
	RateLimitWindow       time.Duration `env:"RELAY_RATE_LIMIT_WINDOW" envDefault:"1s"`

	// WorkerConcurrency is the max simultaneous dispatches per queue.
	WorkerConcurrency int `env:"RELAY_WORKER_CONCURRENCY" envDefault:"4"`

	// SweepInterval is how often the sweeper re-enqueues due records.
	SweepInterval time.Duration `env:"RELAY_SWEEP_INTERVAL" envDefault:"30s"`
	// SweepBatchSize caps how many due records one sweep picks up.
	SweepBatchSize int `env:"RELAY_SWEEP_BATCH_SIZE" envDefault:"100"`

	// TenantGUC is the session variable carrying the tenant id inside each
	// dispatch transaction.
	TenantGUC string `env:"RELAY_TENANT_GUC" envDefault:"app.tenant_id"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	if c.MaxAttempts < 1 || c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay || c.CallTimeout <= 0 {
		return ErrInvalidRetryPolicy
	}

	if c.FailureThreshold == 0 || c.RecoveryTime <= 0 || c.HalfOpenMaxSuccesses == 0 {
		return ErrInvalidBreaker
	}

	if c.DocumentRateLimit <= 0 || c.NotificationRateLimit <= 0 || c.RateLimitWindow <= 0 {
		return ErrInvalidRateLimit
	}

	if c.WorkerConcurrency < 1 {
		return ErrInvalidConcurrency
	}

	return nil
}

// Level returns the parsed log level.
func (c *Config) Level() log.Level {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.LevelInfo
	}

	return level
}
