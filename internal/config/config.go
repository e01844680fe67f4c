package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration loaded from the environment.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	HTTPListenAddr   string
	PublicBasePath   string
	MetricsNamespace string
	AdminToken       string

	DatabaseDriver string
	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	WABaseURL           string
	WADefaultAPIVersion string
	WASendTimeout       time.Duration
	WAAppSecret         string
	WAVerifyToken       string
	CredentialsFile     string

	DispatchEnabled    bool
	DispatchInterval   time.Duration
	DispatchBatchSize  int
	DispatchItemDelay  time.Duration
	DispatchMaxRetries int

	AMQPURL           string
	AMQPFallbackQueue string

	ArchiveS3Bucket    string
	ArchiveS3Region    string
	ArchiveS3Endpoint  string
	ArchiveS3AccessKey string
	ArchiveS3SecretKey string
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Load reads configuration from environment variables and applies defaults.
func Load() (*Config, error) {
	var errs []error

	cfg := &Config{
		AppEnv:           getString("APP_ENV", "development"),
		LogLevel:         getString("LOG_LEVEL", "info"),
		LogFormat:        getString("LOG_FORMAT", "text"),
		HTTPListenAddr:   getString("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   getString("PUBLIC_BASE_PATH", ""),
		MetricsNamespace: getString("METRICS_NAMESPACE", "wa_notifier"),
		AdminToken:       getString("ADMIN_TOKEN", ""),

		DatabaseDriver: strings.ToLower(getString("DATABASE_DRIVER", DriverPostgres)),
		DatabaseURL:    getString("DATABASE_URL", ""),
		DatabaseSchema: getString("DATABASE_SCHEMA", ""),
		SQLitePath:     getString("SQLITE_PATH", "data/wa-notifier.db"),

		RedisAddr:     getString("REDIS_ADDR", ""),
		RedisPassword: getString("REDIS_PASSWORD", ""),

		WABaseURL:           getString("WA_BASE_URL", "https://graph.facebook.com"),
		WADefaultAPIVersion: getString("WA_DEFAULT_API_VERSION", "v21.0"),
		WAAppSecret:         getString("WA_APP_SECRET", ""),
		WAVerifyToken:       getString("WA_VERIFY_TOKEN", ""),
		CredentialsFile:     getString("CREDENTIALS_FILE", "credentials.json"),

		AMQPURL:           getString("AMQP_URL", ""),
		AMQPFallbackQueue: getString("AMQP_FALLBACK_QUEUE", "email_fallback"),

		ArchiveS3Bucket:    getString("ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Region:    getString("ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Endpoint:  getString("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveS3AccessKey: getString("ARCHIVE_S3_ACCESS_KEY", ""),
		ArchiveS3SecretKey: getString("ARCHIVE_S3_SECRET_KEY", ""),
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		errs = append(errs, err)
	}
	if cfg.RedisTLS, err = getBool("REDIS_TLS", false); err != nil {
		errs = append(errs, err)
	}
	if cfg.WASendTimeout, err = getDuration("WA_SEND_TIMEOUT", 10*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.DispatchEnabled, err = getBool("DISPATCH_ENABLED", true); err != nil {
		errs = append(errs, err)
	}
	if cfg.DispatchInterval, err = getDuration("DISPATCH_INTERVAL", time.Minute); err != nil {
		errs = append(errs, err)
	}
	if cfg.DispatchBatchSize, err = getInt("DISPATCH_BATCH_SIZE", 50); err != nil {
		errs = append(errs, err)
	}
	if cfg.DispatchItemDelay, err = getDuration("DISPATCH_ITEM_DELAY", 500*time.Millisecond); err != nil {
		errs = append(errs, err)
	}
	if cfg.DispatchMaxRetries, err = getInt("DISPATCH_MAX_RETRIES", 3); err != nil {
		errs = append(errs, err)
	}

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER %q is not supported", c.DatabaseDriver))
	}
	if c.WAAppSecret == "" {
		errs = append(errs, errors.New("WA_APP_SECRET is required"))
	}
	if c.WAVerifyToken == "" {
		errs = append(errs, errors.New("WA_VERIFY_TOKEN is required"))
	}
	if c.WASendTimeout <= 0 {
		errs = append(errs, errors.New("WA_SEND_TIMEOUT must be positive"))
	}
	if c.DispatchInterval <= 0 {
		errs = append(errs, errors.New("DISPATCH_INTERVAL must be positive"))
	}
	if c.DispatchBatchSize <= 0 {
		errs = append(errs, errors.New("DISPATCH_BATCH_SIZE must be positive"))
	}
	if c.DispatchItemDelay < 0 {
		errs = append(errs, errors.New("DISPATCH_ITEM_DELAY must not be negative"))
	}
	if c.DispatchMaxRetries <= 0 {
		errs = append(errs, errors.New("DISPATCH_MAX_RETRIES must be positive"))
	}
	return errs
}

// ArchiveEnabled reports whether raw webhook payloads should be archived to S3.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveS3Bucket != ""
}

func getString(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := getString(key, "")
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return val, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw := getString(key, "")
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, raw)
	}
	return val, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getString(key, "")
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return val, nil
}
