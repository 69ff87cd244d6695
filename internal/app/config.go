package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/fedega15/front-system-integration/internal/queue"
)

// Backends.
const (
	BackendRedis    = "redis"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds the complete application configuration, loadable from
// environment variables (SYNC_ prefix), flags, or YAML config files.
type Config struct {
	Addr              string        `default:"0.0.0.0:8080" usage:"Server listen address"`
	DatabaseURL       string        `usage:"PostgreSQL connection URL (SYNC_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisURL          string        `usage:"Redis connection URL (SYNC_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	UpstreamURL       string        `default:"https://frontsystemsapis.frontsystems.no/restapi/V2/api" usage:"POS platform API base URL" flag:"upstream-url"`
	UpstreamTimeout   time.Duration `default:"30s" usage:"Timeout of one upstream request" flag:"upstream-timeout"`
	DownstreamTimeout time.Duration `default:"15s" usage:"Timeout of one storefront request" flag:"downstream-timeout"`
	Queue             QueueConfig
	Idempotency       IdempotencyConfig
	Webhook           WebhookConfig
	RateLimit         RateLimitConfig
	Graceful          GracefulConfig
}

// QueueConfig controls the sync job queue and its workers.
type QueueConfig struct {
	Backend       string        `default:"redis" usage:"Queue backend: redis or memory"`
	Name          string        `default:"order-sync" usage:"Queue name, used as Redis key prefix"`
	Concurrency   int           `default:"10" usage:"Number of sync workers"`
	MaxAttempts   int           `default:"3" usage:"Attempts per job before it is moved to the failed list" flag:"max-attempts"`
	KeepCompleted int           `default:"1000" usage:"Completed jobs retained" flag:"keep-completed"`
	KeepFailed    int           `default:"3000" usage:"Failed jobs retained" flag:"keep-failed"`
	PollTimeout   time.Duration `default:"5s" usage:"Blocking dequeue timeout" flag:"poll-timeout"`
	Lease         time.Duration `default:"30s" usage:"Time a worker keeps its jobs without a heartbeat"`
	// MaxBacklog marks the server unready while more jobs are pending.
	MaxBacklog int64 `default:"10000" usage:"Pending jobs above which readiness fails" flag:"max-backlog"`
}

// IdempotencyConfig controls the processed-order registry.
type IdempotencyConfig struct {
	Backend   string        `default:"postgres" usage:"Registry backend: postgres or redis"`
	Lease     time.Duration `default:"10m" usage:"Age after which an unfinished claim may be taken over"`
	Retention time.Duration `default:"720h" usage:"Retention of finished records (redis backend only)"`
}

// WebhookConfig controls webhook ingress.
type WebhookConfig struct {
	VerifySignature bool  `default:"true" usage:"Reject deliveries without a valid signature" flag:"verify-signature"`
	MaxBodyBytes    int64 `default:"1048576" usage:"Maximum webhook payload size" flag:"max-body-bytes"`
}

// RateLimitConfig controls the per-source sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"300" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SYNC",
		Files:     []string{"config.yaml", "/etc/sync/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set SYNC_DATABASE_URL or DATABASE_URL")
	}
	if c.UpstreamURL == "" {
		return errors.New("upstream URL is required")
	}
	switch c.Queue.Backend {
	case BackendRedis, BackendMemory:
	default:
		return errors.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	switch c.Idempotency.Backend {
	case BackendPostgres, BackendRedis:
	default:
		return errors.Errorf("unknown idempotency backend %q", c.Idempotency.Backend)
	}
	if c.RedisURL == "" && (c.Queue.Backend == BackendRedis || c.Idempotency.Backend == BackendRedis) {
		return errors.New("redis URL is required: set SYNC_REDIS_URL or REDIS_URL")
	}
	if c.Queue.Concurrency <= 0 {
		return errors.Errorf("queue concurrency must be positive, got %d", c.Queue.Concurrency)
	}
	if c.Queue.Lease < 2*queue.HeartbeatInterval {
		return errors.Errorf("queue lease must be at least %s, got %s", 2*queue.HeartbeatInterval, c.Queue.Lease)
	}
	if c.Idempotency.Lease <= 0 {
		return errors.New("idempotency lease must be positive")
	}
	return nil
}

// usesRedis reports whether any backend needs a Redis client.
func (c *Config) usesRedis() bool {
	return c.Queue.Backend == BackendRedis || c.Idempotency.Backend == BackendRedis
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL, REDIS_URL and PORT
// to the application's SYNC_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.RedisURL == "" {
		c.RedisURL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
