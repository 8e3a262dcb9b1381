package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all Loghive configuration, read from environment variables.
// Every knob has a documented default so a bare `loghive -mode all` against
// local Postgres and Redis works out of the box.
type Config struct {
	Mode string `env:"LOGHIVE_MODE" envDefault:"api"`

	// Server
	Host string `env:"APP_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"APP_PORT" envDefault:"8080"`

	// Databases. The identity DB holds projects/api_keys/daily_usage; the
	// logs DB holds the partitioned logs tables and aggregates.
	IdentityDatabaseURL string `env:"IDENTITY_DATABASE_URL" envDefault:"postgres://localhost:5432/identity?sslmode=disable"`
	LogsDatabaseURL     string `env:"LOGS_DATABASE_URL" envDefault:"postgres://localhost:5433/logs?sslmode=disable"`

	// Connection pools
	DBPoolSize     int `env:"DB_POOL_SIZE" envDefault:"30"`
	DBPoolOverflow int `env:"DB_POOL_OVERFLOW" envDefault:"20"`

	// Redis
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Telemetry
	OTLPEndpoint string `env:"OTEL_ENDPOINT"`

	// Migrations
	MigrationsIdentityDir string `env:"MIGRATIONS_IDENTITY_DIR" envDefault:"migrations/identity"`
	MigrationsLogsDir     string `env:"MIGRATIONS_LOGS_DIR" envDefault:"migrations/logs"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Credential cache
	CredentialCacheTTL time.Duration `env:"CREDENTIAL_CACHE_TTL" envDefault:"5m"`
	EmergencyCacheTTL  time.Duration `env:"EMERGENCY_CACHE_TTL" envDefault:"10m"`
	NegativeCacheTTL   time.Duration `env:"NEGATIVE_CACHE_TTL" envDefault:"5s"`
	AuthRequestTimeout time.Duration `env:"AUTH_REQUEST_TIMEOUT" envDefault:"3s"`

	// Rate limiting and quota defaults, used when a key carries none.
	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"1000"`
	RateLimitPerHour   int `env:"RATE_LIMIT_PER_HOUR" envDefault:"20000"`
	DailyQuotaDefault  int `env:"DAILY_QUOTA_DEFAULT" envDefault:"1000000"`

	// Circuit breaker
	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerWindowRequests   int           `env:"BREAKER_WINDOW_REQUESTS" envDefault:"20"`
	BreakerErrorRate        float64       `env:"BREAKER_ERROR_RATE" envDefault:"0.5"`
	BreakerCoolOff          time.Duration `env:"BREAKER_COOL_OFF" envDefault:"30s"`

	// Ingest
	MaxBatchSize             int           `env:"INGEST_MAX_BATCH" envDefault:"1000"`
	QueueMaxDepth            int64         `env:"QUEUE_MAX_DEPTH" envDefault:"100000"`
	QueueRetryAfter          time.Duration `env:"QUEUE_RETRY_AFTER" envDefault:"60s"`
	TimestampFutureTolerance time.Duration `env:"TIMESTAMP_FUTURE_TOLERANCE" envDefault:"5m"`

	// Storage worker
	WorkerCount            int           `env:"WORKER_COUNT" envDefault:"4"`
	WorkerBatchSize        int           `env:"WORKER_BATCH_SIZE" envDefault:"1000"`
	WorkerFlushTimeout     time.Duration `env:"WORKER_FLUSH_TIMEOUT" envDefault:"200ms"`
	PartitionMonthsAhead   int           `env:"PARTITION_MONTHS_AHEAD" envDefault:"1"`
	PartitionSweepInterval time.Duration `env:"PARTITION_SWEEP_INTERVAL" envDefault:"1h"`
	RetentionDaysDefault   int           `env:"RETENTION_DAYS_DEFAULT" envDefault:"30"`

	// Query
	QueryDefaultLimit  int           `env:"QUERY_DEFAULT_LIMIT" envDefault:"100"`
	QueryMaxLimit      int           `env:"QUERY_MAX_LIMIT" envDefault:"1000"`
	QueryDefaultWindow time.Duration `env:"QUERY_DEFAULT_WINDOW" envDefault:"24h"`

	// Analytics cadences
	ErrorRateInterval  time.Duration `env:"ERROR_RATE_INTERVAL" envDefault:"5m"`
	LogVolumeInterval  time.Duration `env:"LOG_VOLUME_INTERVAL" envDefault:"5m"`
	TopErrorsInterval  time.Duration `env:"TOP_ERRORS_INTERVAL" envDefault:"15m"`
	UsageStatsInterval time.Duration `env:"USAGE_STATS_INTERVAL" envDefault:"1h"`
	AggregatedInterval time.Duration `env:"AGGREGATED_INTERVAL" envDefault:"1h"`
	AggregationLag     time.Duration `env:"AGGREGATION_LAG" envDefault:"30s"`

	// Notifications
	NotificationsEnabled bool          `env:"NOTIFICATIONS_ENABLED" envDefault:"true"`
	SSEHeartbeatInterval time.Duration `env:"SSE_HEARTBEAT_INTERVAL" envDefault:"30s"`
	SSEClientBuffer      int           `env:"SSE_CLIENT_BUFFER" envDefault:"16"`

	// Request handling
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	// Dev mode
	DevMode bool `env:"DEV_MODE" envDefault:"false"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
