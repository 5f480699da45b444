package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the mediaforge server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Blob      BlobConfig
	Scheduler SchedulerConfig
	Stream    StreamConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
	Providers ProvidersConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// PublicBaseURL is how providers reach this service; callback URLs are built from it.
	PublicBaseURL string
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type DatabaseConfig struct {
	Driver          string
	URL             string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type NATSConfig struct {
	URL string
}

// BlobConfig configures artifact mirroring. An empty Bucket disables it.
type BlobConfig struct {
	Bucket           string
	Region           string
	Endpoint         string
	SignedURLTTL     time.Duration
	MaxDownloadBytes int64
	CopyTimeout      time.Duration
}

type SchedulerConfig struct {
	WorkerConcurrency    int
	QueuePollInterval    time.Duration
	ProviderPollInterval time.Duration
	ProviderPollTimeout  time.Duration
	MaxPollErrors        int
	ChildStagger         time.Duration
	WebhookTimeout       time.Duration
	ReaperInterval       time.Duration
	MaxBatchItems        int
	ProviderRatePerSec   float64
}

type StreamConfig struct {
	Interval  time.Duration
	Keepalive time.Duration
}

type WebhookConfig struct {
	Secret string
}

type RateLimitConfig struct {
	PerMinute int
}

type ProvidersConfig struct {
	Default string
	Melodia ProviderConfig
	Cadence ProviderConfig
}

// ProviderConfig is the per-provider block shared by every adapter.
type ProviderConfig struct {
	Enabled       bool
	BaseURL       string
	APIKey        string
	MaxItems      int
	Variants      int
	TenantClasses []string
	Timeout       time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:          envInt("MEDIAFORGE_PORT", 8080),
			Env:           envString("MEDIAFORGE_ENV", "development"),
			PublicBaseURL: strings.TrimSuffix(os.Getenv("PUBLIC_BASE_URL"), "/"),
		},
		Database: loadDatabase(),
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		NATS: NATSConfig{
			URL: os.Getenv("NATS_URL"),
		},
		Blob: BlobConfig{
			Bucket:           os.Getenv("BLOB_BUCKET"),
			Region:           envString("BLOB_REGION", "us-east-1"),
			Endpoint:         os.Getenv("BLOB_ENDPOINT"),
			SignedURLTTL:     envDuration("BLOB_SIGNED_URL_TTL", 15*time.Minute),
			MaxDownloadBytes: int64(envInt("BLOB_MAX_DOWNLOAD_BYTES", 100<<20)),
			CopyTimeout:      envDuration("BLOB_COPY_TIMEOUT", 20*time.Second),
		},
		Scheduler: SchedulerConfig{
			WorkerConcurrency:    envInt("WORKER_CONCURRENCY", 4),
			QueuePollInterval:    envDuration("QUEUE_POLL_INTERVAL", time.Second),
			ProviderPollInterval: envDuration("PROVIDER_POLL_INTERVAL", 5*time.Second),
			ProviderPollTimeout:  envDuration("PROVIDER_POLL_TIMEOUT", 10*time.Minute),
			MaxPollErrors:        envInt("PROVIDER_MAX_POLL_ERRORS", 5),
			ChildStagger:         envDuration("CHILD_STAGGER", 2*time.Second),
			WebhookTimeout:       envDuration("WEBHOOK_TIMEOUT", 30*time.Minute),
			ReaperInterval:       envDuration("REAPER_INTERVAL", time.Minute),
			MaxBatchItems:        envInt("MAX_BATCH_ITEMS", 100),
			ProviderRatePerSec:   envFloat("PROVIDER_RATE_PER_SEC", 2),
		},
		Stream: StreamConfig{
			Interval:  envDuration("STREAM_INTERVAL", time.Second),
			Keepalive: envDuration("STREAM_KEEPALIVE", 15*time.Second),
		},
		Webhook: WebhookConfig{
			Secret: os.Getenv("WEBHOOK_SECRET"),
		},
		RateLimit: RateLimitConfig{
			PerMinute: envInt("RATE_LIMIT_PER_MIN", 60),
		},
		Providers: ProvidersConfig{
			Default: envString("DEFAULT_PROVIDER", "melodia"),
			Melodia: loadProvider("MELODIA"),
			Cadence: loadProvider("CADENCE"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadProvider(prefix string) ProviderConfig {
	return ProviderConfig{
		Enabled:       envBool(prefix+"_ENABLED", false),
		BaseURL:       strings.TrimSuffix(os.Getenv(prefix+"_BASE_URL"), "/"),
		APIKey:        os.Getenv(prefix + "_API_KEY"),
		MaxItems:      envInt(prefix+"_MAX_ITEMS", 3),
		Variants:      envInt(prefix+"_VARIANTS", 2),
		TenantClasses: envList(prefix + "_TENANT_CLASSES"),
		Timeout:       envDuration(prefix+"_TIMEOUT", 30*time.Second),
	}
}

// LoadDatabase reads only the database settings. Operator tools use it so they do not
// need the full server environment.
func LoadDatabase() (DatabaseConfig, error) {
	cfg := loadDatabase()
	return cfg, cfg.validate()
}

func loadDatabase() DatabaseConfig {
	return DatabaseConfig{
		Driver:          envString("DATABASE_DRIVER", DriverPostgres),
		URL:             os.Getenv("DATABASE_URL"),
		SQLitePath:      envString("SQLITE_PATH", "mediaforge.db"),
		MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

func (d DatabaseConfig) validate() error {
	switch d.Driver {
	case DriverPostgres:
		if d.URL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case DriverSQLite:
		if d.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when DATABASE_DRIVER is sqlite")
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER must be one of postgres, sqlite; got %q", d.Driver)
	}
	return nil
}

func (c *Config) validate() error {
	if err := c.Database.validate(); err != nil {
		return err
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Server.PublicBaseURL == "" {
		return fmt.Errorf("PUBLIC_BASE_URL is required")
	}
	if !isHTTPURL(c.Server.PublicBaseURL) {
		return fmt.Errorf("PUBLIC_BASE_URL must start with http:// or https://, got %q", c.Server.PublicBaseURL)
	}

	if c.Scheduler.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.Scheduler.MaxBatchItems < 1 {
		return fmt.Errorf("MAX_BATCH_ITEMS must be at least 1")
	}

	enabled := 0
	for name, p := range map[string]ProviderConfig{"MELODIA": c.Providers.Melodia, "CADENCE": c.Providers.Cadence} {
		if !p.Enabled {
			continue
		}
		enabled++
		if !isHTTPURL(p.BaseURL) {
			return fmt.Errorf("%s_BASE_URL must start with http:// or https://, got %q", name, p.BaseURL)
		}
		if p.MaxItems < 1 {
			return fmt.Errorf("%s_MAX_ITEMS must be at least 1", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one provider must be enabled (MELODIA_ENABLED or CADENCE_ENABLED)")
	}

	switch c.Providers.Default {
	case "melodia":
		if !c.Providers.Melodia.Enabled {
			return fmt.Errorf("DEFAULT_PROVIDER %q is not enabled", c.Providers.Default)
		}
	case "cadence":
		if !c.Providers.Cadence.Enabled {
			return fmt.Errorf("DEFAULT_PROVIDER %q is not enabled", c.Providers.Default)
		}
	default:
		return fmt.Errorf("DEFAULT_PROVIDER must be one of melodia, cadence; got %q", c.Providers.Default)
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envList splits a comma-separated value, dropping blanks. Unset means nil.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
