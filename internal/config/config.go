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

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	Port string

	StoreDriver string
	DatabaseURL string
	RedisURL    string

	KafkaBrokers    []string
	KafkaTopic      string
	KafkaGroupID    string
	KafkaPartitions int

	BucketCount     int
	BucketQueueSize int
	TypeWildcard    string
	IndexRefresh    time.Duration
	SeriesMaxWait   time.Duration

	DeliveryTimeout      time.Duration
	WebhookSigningSecret string

	RecoveryBaseDelay     time.Duration
	RecoveryMaxDelay      time.Duration
	RecoveryMaxAttempts   int
	RecoverySweepInterval time.Duration
	RecoveryBatchSize     int
	RecoveryLease         time.Duration

	ReaperInterval time.Duration

	CircuitFailureThreshold int
	CircuitCooldown         time.Duration
	TargetRateLimit         int
	TargetRateWindow        time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	LogLevel string
}

// Load reads configuration from environment variables, after loading a
// .env file from the working directory when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	e := &envReader{}
	cfg := &Config{
		Port: getEnv("PORT", "8080"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		KafkaBrokers:    splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:      getEnv("KAFKA_TOPIC", "notification-events"),
		KafkaGroupID:    getEnv("KAFKA_GROUP_ID", "notification-dispatcher"),
		KafkaPartitions: e.intVar("KAFKA_PARTITIONS", 8),

		BucketCount:     e.intVar("BUCKET_COUNT", 16),
		BucketQueueSize: e.intVar("BUCKET_QUEUE_SIZE", 64),
		TypeWildcard:    getEnv("TYPE_WILDCARD", "*"),
		IndexRefresh:    e.durationVar("INDEX_REFRESH_INTERVAL", 30*time.Second),
		SeriesMaxWait:   e.durationVar("SERIES_MAX_WAIT", 30*time.Second),

		DeliveryTimeout:      e.durationVar("DELIVERY_TIMEOUT", 10*time.Second),
		WebhookSigningSecret: getEnv("WEBHOOK_SIGNING_SECRET", ""),

		RecoveryBaseDelay:     e.durationVar("RECOVERY_BASE_DELAY", 30*time.Second),
		RecoveryMaxDelay:      e.durationVar("RECOVERY_MAX_DELAY", time.Hour),
		RecoveryMaxAttempts:   e.intVar("RECOVERY_MAX_ATTEMPTS", 5),
		RecoverySweepInterval: e.durationVar("RECOVERY_SWEEP_INTERVAL", 10*time.Second),
		RecoveryBatchSize:     e.intVar("RECOVERY_BATCH_SIZE", 100),
		RecoveryLease:         e.durationVar("RECOVERY_LEASE", 5*time.Minute),

		ReaperInterval: e.durationVar("REAPER_INTERVAL", time.Minute),

		CircuitFailureThreshold: e.intVar("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitCooldown:         e.durationVar("CIRCUIT_COOLDOWN", 30*time.Second),
		TargetRateLimit:         e.intVar("TARGET_RATE_LIMIT", 100),
		TargetRateWindow:        e.durationVar("TARGET_RATE_WINDOW", time.Second),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     e.intVar("SMTP_PORT", 587),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("SMTP_FROM", "notifications@localhost"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	if e.err != nil {
		return nil, e.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver)
	}
	if c.BucketCount <= 0 {
		return fmt.Errorf("BUCKET_COUNT must be positive, got %d", c.BucketCount)
	}
	if c.RecoveryMaxAttempts <= 0 {
		return fmt.Errorf("RECOVERY_MAX_ATTEMPTS must be positive, got %d", c.RecoveryMaxAttempts)
	}
	if c.RecoveryMaxDelay < c.RecoveryBaseDelay {
		return fmt.Errorf("RECOVERY_MAX_DELAY (%s) is below RECOVERY_BASE_DELAY (%s)", c.RecoveryMaxDelay, c.RecoveryBaseDelay)
	}
	if c.TypeWildcard == "" || strings.Contains(c.TypeWildcard, ".") {
		return fmt.Errorf("TYPE_WILDCARD must be non-empty and contain no dots, got %q", c.TypeWildcard)
	}
	return nil
}

// SMTPEnabled reports whether email delivery is configured.
func (c *Config) SMTPEnabled() bool {
	return c.SMTPHost != ""
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// envReader parses typed variables and keeps the first error, so Load can
// read every value before reporting.
type envReader struct {
	err error
}

func (e *envReader) intVar(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		e.fail(fmt.Errorf("%s: invalid integer %q", key, val))
		return fallback
	}
	return n
}

func (e *envReader) durationVar(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		e.fail(fmt.Errorf("%s: invalid duration %q", key, val))
		return fallback
	}
	return d
}

func (e *envReader) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
