// Package config reads process configuration from the environment using
// caarlos0/env/v11. A .env file in the working directory is loaded first
// when present.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/SirClappington/triggerq/internal/domain"
	"github.com/SirClappington/triggerq/internal/queue"
)

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	// ── Process ──────────────────────────────────────────────────────────────
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	LogLevel               string `env:"LOG_LEVEL"                envDefault:"info"`
	APIAddr                string `env:"API_ADDR"                 envDefault:":8080"`
	MetricsAddr            string `env:"METRICS_ADDR"             envDefault:":9090"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30"`
	// TraceExporter: "none" or "stdout".
	TraceExporter string `env:"TRACE_EXPORTER" envDefault:"none"`

	// ── Queue store ──────────────────────────────────────────────────────────
	QueueBackend string `env:"QUEUE_BACKEND" envDefault:"redis"`
	PostgresDSN  string `env:"POSTGRES_DSN"`

	RedisHost             string `env:"REDIS_HOST"               envDefault:"localhost"`
	RedisPort             int    `env:"REDIS_PORT"               envDefault:"6379"`
	RedisDBIndex          int    `env:"REDIS_DB_INDEX"           envDefault:"0"`
	RedisPassword         string `env:"REDIS_PASSWORD"`
	RedisTLS              bool   `env:"REDIS_TLS"                envDefault:"false"`
	RedisConnectTimeoutMS int    `env:"REDIS_CONNECT_TIMEOUT_MS" envDefault:"50000"`
	RedisKeepAliveMS      int    `env:"REDIS_KEEP_ALIVE_MS"      envDefault:"30000"`
	RedisFamily           int    `env:"REDIS_FAMILY"             envDefault:"4"`
	RedisPrefix           string `env:"REDIS_PREFIX"`

	// ── API ──────────────────────────────────────────────────────────────────
	JWTSigningKey string `env:"JWT_SIGNING_KEY"`
	// Requests per second per client; 0 disables limiting.
	APIRateLimit float64 `env:"API_RATE_LIMIT" envDefault:"50"`

	// ── Worker ───────────────────────────────────────────────────────────────
	WorkerConcurrency     int    `env:"WORKER_CONCURRENCY"      envDefault:"200"`
	LeaseDurationMS       int    `env:"LEASE_DURATION_MS"       envDefault:"90000"`
	ClaimBlockMS          int    `env:"CLAIM_BLOCK_MS"          envDefault:"5000"`
	MaintenanceIntervalMS int    `env:"MAINTENANCE_INTERVAL_MS" envDefault:"15000"`
	MaxStalledCount       int    `env:"MAX_STALLED_COUNT"       envDefault:"1"`
	TriggerEndpointURL    string `env:"TRIGGER_ENDPOINT_URL"`

	// ── Job options ──────────────────────────────────────────────────────────
	JobAttempts    int    `env:"JOB_ATTEMPTS"     envDefault:"1"`
	JobBackoffType string `env:"JOB_BACKOFF_TYPE"`
	JobBackoffMS   int    `env:"JOB_BACKOFF_MS"   envDefault:"0"`
}

// Load reads .env (if any) and the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return parse(env.Options{})
}

// LoadFrom reads configuration from environ only. Used by tests and tools
// that must not see the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, &queue.ConfigurationError{Err: err}
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	switch c.QueueBackend {
	case BackendRedis:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return &queue.ConfigurationError{Field: "POSTGRES_DSN", Err: errors.New("required for postgres backend")}
		}
	default:
		return &queue.ConfigurationError{Field: "QUEUE_BACKEND", Err: errors.Errorf("unknown backend %q", c.QueueBackend)}
	}
	switch domain.BackoffType(c.JobBackoffType) {
	case domain.BackoffNone, domain.BackoffFixed, domain.BackoffExponential:
	default:
		return &queue.ConfigurationError{Field: "JOB_BACKOFF_TYPE", Err: errors.Errorf("unknown backoff %q", c.JobBackoffType)}
	}
	if c.WorkerConcurrency < 1 {
		return &queue.ConfigurationError{Field: "WORKER_CONCURRENCY", Err: errors.New("must be at least 1")}
	}
	if c.LeaseDurationMS < 1 {
		return &queue.ConfigurationError{Field: "LEASE_DURATION_MS", Err: errors.New("must be positive")}
	}
	return nil
}

func (c Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// Profile builds the Redis connection profile.
func (c Config) Profile() (queue.Profile, error) {
	return queue.NewProfile(queue.ProfileOptions{
		Host:           c.RedisHost,
		Port:           c.RedisPort,
		Password:       c.RedisPassword,
		DB:             c.RedisDBIndex,
		TLS:            c.RedisTLS,
		ConnectTimeout: ms(c.RedisConnectTimeoutMS),
		KeepAlive:      ms(c.RedisKeepAliveMS),
		Family:         c.RedisFamily,
		KeyPrefix:      c.RedisPrefix,
	})
}

func (c Config) PoolConfig() queue.PoolConfig {
	maintenance := ms(c.MaintenanceIntervalMS)
	if c.MaintenanceIntervalMS <= 0 {
		maintenance = -1
	}
	return queue.PoolConfig{
		Concurrency:         c.WorkerConcurrency,
		LeaseDuration:       ms(c.LeaseDurationMS),
		ClaimBlock:          ms(c.ClaimBlockMS),
		MaintenanceInterval: maintenance,
		MaxStalledCount:     c.MaxStalledCount,
	}
}

func (c Config) JobOptions() domain.JobOptions {
	return domain.JobOptions{
		RemoveOnComplete: true,
		Attempts:         c.JobAttempts,
		BackoffType:      domain.BackoffType(c.JobBackoffType),
		Backoff:          ms(c.JobBackoffMS),
	}
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
