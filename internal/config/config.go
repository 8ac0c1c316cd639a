package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup: with no PG_DSN,
// REDIS_ADDR or KAFKA_BROKERS everything runs in memory.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisChannel  string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN         string
	MigrationFile string

	StripeAPIKey   string
	StripeCurrency string

	NotifyDebounce time.Duration
	IdempotencyTTL time.Duration
	Resync         time.Duration
	ActiveQuota    int

	RetryAttempts  int
	RetryBaseDelay time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisChannel:    "hire:requests:changes",
		KafkaTopic:      "booking-request-changes",
		MigrationFile:   "migrations/001_create_booking_requests.sql",
		StripeCurrency:  "ngn",
		NotifyDebounce:  250 * time.Millisecond,
		IdempotencyTTL:  24 * time.Hour,
		Resync:          30 * time.Second,
		ActiveQuota:     3,
		RetryAttempts:   3,
		RetryBaseDelay:  100 * time.Millisecond,
		LogLevel:        "info",
	}
}

// loadDotEnv fills unset variables from a local .env file if one exists.
// Values already in the environment win.
func loadDotEnv() {
	_ = godotenv.Load()
}

func LoadServerConfig() (ServerConfig, error) {
	loadDotEnv()
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisChannel, "REDIS_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.MigrationFile, "MIGRATION_FILE")

	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")

	setDurationFromEnv(&cfg.NotifyDebounce, "NOTIFY_DEBOUNCE", &errs)
	setDurationFromEnv(&cfg.IdempotencyTTL, "IDEMPOTENCY_TTL", &errs)
	setDurationFromEnv(&cfg.Resync, "WATCH_RESYNC", &errs)
	setIntFromEnv(&cfg.ActiveQuota, "ACTIVE_REQUEST_QUOTA", &errs)
	setIntFromEnv(&cfg.RetryAttempts, "RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryBaseDelay, "RETRY_BASE_DELAY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.ActiveQuota <= 0 {
		errs = append(errs, fmt.Errorf("ACTIVE_REQUEST_QUOTA must be > 0"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_ATTEMPTS must be > 0"))
	}
	if cfg.Resync <= 0 {
		errs = append(errs, fmt.Errorf("WATCH_RESYNC must be > 0"))
	}
	if cfg.NotifyDebounce < 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_DEBOUNCE must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

// SweeperConfig drives the expiry sweeper process.
type SweeperConfig struct {
	MetricsAddr   string
	PGDSN         string
	RedisAddr     string
	RedisPassword string
	RedisChannel  string

	Interval       time.Duration
	Retention      time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	MaxBackoff     time.Duration

	LogLevel string
}

func LoadSweeperConfig() (SweeperConfig, error) {
	loadDotEnv()
	cfg := SweeperConfig{
		MetricsAddr:    ":2112",
		RedisChannel:   "hire:requests:changes",
		Interval:       time.Minute,
		Retention:      30 * 24 * time.Hour,
		RetryAttempts:  3,
		RetryBaseDelay: 200 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		LogLevel:       "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisChannel, "REDIS_CHANNEL")
	setDurationFromEnv(&cfg.Interval, "SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.Retention, "SWEEP_RETENTION", &errs)
	setIntFromEnv(&cfg.RetryAttempts, "RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryBaseDelay, "RETRY_BASE_DELAY", &errs)
	setDurationFromEnv(&cfg.MaxBackoff, "SWEEP_MAX_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if cfg.Interval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be > 0"))
	}
	if cfg.Retention < 0 {
		errs = append(errs, fmt.Errorf("SWEEP_RETENTION must be >= 0"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
