package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration
type Config struct {
	// Odds API
	OddsAPIBaseURL        string        `envconfig:"ODDS_API_BASE_URL" required:"true"`
	OddsAPITimeout        time.Duration `envconfig:"ODDS_API_TIMEOUT" default:"8s"`
	OddsAPIRatePerSecond  float64       `envconfig:"ODDS_API_RATE_PER_SECOND" default:"5"`
	OddsAPIBurst          int           `envconfig:"ODDS_API_BURST" default:"5"`
	OddsAPIMinKeyInterval time.Duration `envconfig:"ODDS_API_MIN_KEY_INTERVAL" default:"1s"`
	OddsAPIMaxConcurrency int           `envconfig:"ODDS_API_MAX_CONCURRENCY" default:"20"`

	// Database
	DatabaseHost        string        `envconfig:"DATABASE_HOST" default:"localhost"`
	DatabasePort        int           `envconfig:"DATABASE_PORT" default:"5432"`
	DatabaseName        string        `envconfig:"DATABASE_NAME" default:"oddsfeed"`
	DatabaseUser        string        `envconfig:"DATABASE_USER" default:"oddsfeed"`
	DatabasePassword    string        `envconfig:"DATABASE_PASSWORD" required:"true"`
	DatabaseSSLMode     string        `envconfig:"DATABASE_SSL_MODE" default:"disable"`
	DatabaseTimeout     time.Duration `envconfig:"DATABASE_TIMEOUT" default:"5s"`
	DatabaseAutoMigrate bool          `envconfig:"DATABASE_AUTO_MIGRATE" default:"true"`

	// Redis
	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Caching TTL (in seconds)
	CacheTTLRawOdds     int  `envconfig:"CACHE_TTL_RAW_ODDS" default:"3600"`    // 1 hour
	CacheTTLReconciled  int  `envconfig:"CACHE_TTL_RECONCILED" default:"86400"` // 24 hours
	CacheTTLRoute       int  `envconfig:"CACHE_TTL_ROUTE" default:"600"`        // 10 minutes
	CacheTTLInPlayFancy int  `envconfig:"CACHE_TTL_INPLAY_FANCY" default:"5"`
	CacheVerifyWrites   bool `envconfig:"CACHE_VERIFY_WRITES" default:"false"`

	// Pipeline
	CacheReadFirst             bool   `envconfig:"CACHE_READ_FIRST" default:"false"`
	CacheFallbackOnSourceError bool   `envconfig:"CACHE_FALLBACK_ON_SOURCE_ERROR" default:"true"`
	BookmakerOptionPolicy      string `envconfig:"BOOKMAKER_OPTION_POLICY" default:"upsert"`
	FancyOptionPolicy          string `envconfig:"FANCY_OPTION_POLICY" default:"upsert"`
	EventOddsOptionPolicy      string `envconfig:"EVENT_ODDS_OPTION_POLICY" default:"skip-if-exists"`

	// Retry queue
	RetryQueueName     string        `envconfig:"RETRY_QUEUE_NAME" default:"queue:writes"`
	RetryMaxAttempts   int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryDrainInterval time.Duration `envconfig:"RETRY_DRAIN_INTERVAL" default:"1s"`
	RetryDrainBatch    int           `envconfig:"RETRY_DRAIN_BATCH" default:"5"`
	RetryBaseDelay     time.Duration `envconfig:"RETRY_BASE_DELAY" default:"0s"`

	// Scheduler
	EnableScheduler    bool          `envconfig:"ENABLE_SCHEDULER" default:"true"`
	PollIntervalInPlay time.Duration `envconfig:"POLL_INTERVAL_INPLAY" default:"5s"`
	PollIntervalIdle   time.Duration `envconfig:"POLL_INTERVAL_IDLE" default:"60s"`
	SchedulerTick      time.Duration `envconfig:"SCHEDULER_TICK" default:"1s"`
	MatchRefreshCron   string        `envconfig:"MATCH_REFRESH_CRON" default:"0 0 * * *"`
	SweepCron          string        `envconfig:"SWEEP_CRON" default:"*/5 * * * *"`
	CompetitionSportID string        `envconfig:"COMPETITION_SPORT_ID" default:"4"`

	// HTTP
	HTTPPort    int      `envconfig:"HTTP_PORT" default:"3000"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`

	// Application
	AppEnv   string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Monitoring
	EnableMetrics bool `envconfig:"ENABLE_METRICS" default:"true"`
	MetricsPort   int  `envconfig:"METRICS_PORT" default:"9090"`
}

// Load loads configuration from environment variables
// It first attempts to load from .env file if in development mode
func Load() (*Config, error) {
	// Try to load .env file (ignore error if doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.OddsAPIBaseURL == "" {
		return fmt.Errorf("ODDS_API_BASE_URL is required")
	}
	if !strings.HasPrefix(c.OddsAPIBaseURL, "http://") && !strings.HasPrefix(c.OddsAPIBaseURL, "https://") {
		return fmt.Errorf("ODDS_API_BASE_URL must be an http(s) URL")
	}

	if c.DatabasePassword == "" {
		return fmt.Errorf("DATABASE_PASSWORD is required")
	}

	for env, policy := range map[string]string{
		"BOOKMAKER_OPTION_POLICY":  c.BookmakerOptionPolicy,
		"FANCY_OPTION_POLICY":      c.FancyOptionPolicy,
		"EVENT_ODDS_OPTION_POLICY": c.EventOddsOptionPolicy,
	} {
		if policy != "upsert" && policy != "skip-if-exists" {
			return fmt.Errorf("%s must be upsert or skip-if-exists, got %q", env, policy)
		}
	}

	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.RetryDrainBatch < 1 {
		return fmt.Errorf("RETRY_DRAIN_BATCH must be at least 1")
	}
	if c.PollIntervalInPlay <= 0 || c.PollIntervalIdle <= 0 || c.SchedulerTick <= 0 {
		return fmt.Errorf("poll intervals and SCHEDULER_TICK must be positive")
	}

	return nil
}

// RedisAddr returns the Redis address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// Seconds converts a TTL setting to a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// MustLoad loads configuration or panics on error
// Use this in main() where we want to fail fast
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
