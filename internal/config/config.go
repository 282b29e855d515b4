package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	Env         string `env:"APP_ENV" envDefault:"dev"`
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// ArchiveDSN enables the Postgres archive of pruned jobs when set.
	ArchiveDSN string `env:"ARCHIVE_POSTGRES_DSN"`

	MaxRetriesPerQueue  int           `env:"MAX_RETRIES_PER_QUEUE" envDefault:"3"`
	InitialBackoff      time.Duration `env:"INITIAL_BACKOFF" envDefault:"5s"`
	ConcurrencyPerQueue int           `env:"CONCURRENCY_PER_QUEUE" envDefault:"5"`
	PollInterval        time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`

	RateLimitMax    int           `env:"RATE_LIMIT_MAX_JOBS" envDefault:"10"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1s"`

	StalledInterval time.Duration `env:"STALLED_INTERVAL" envDefault:"30s"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	RetentionPeriod time.Duration `env:"RETENTION_PERIOD" envDefault:"24h"`
	MaxCompleted    int           `env:"MAX_COMPLETED_JOBS" envDefault:"1000"`
	MaxFailed       int           `env:"MAX_FAILED_JOBS" envDefault:"5000"`

	MonitoringInterval time.Duration `env:"MONITORING_INTERVAL" envDefault:"60s"`
	MetricsRetention   time.Duration `env:"METRICS_RETENTION" envDefault:"24h"`

	AlertThreshold   int           `env:"ERROR_ALERT_THRESHOLD" envDefault:"10"`
	AlertErrorWindow time.Duration `env:"ERROR_ALERT_WINDOW" envDefault:"5m"`

	ImageOutputDir       string        `env:"IMAGE_OUTPUT_DIR" envDefault:"./output"`
	ImageS3Bucket        string        `env:"IMAGE_S3_BUCKET"`
	ImageS3Region        string        `env:"IMAGE_S3_REGION" envDefault:"eu-west-3"`
	ImageS3Endpoint      string        `env:"IMAGE_S3_ENDPOINT"`
	ImageS3PathStyle     bool          `env:"IMAGE_S3_PATH_STYLE" envDefault:"false"`
	ImageDownloadTimeout time.Duration `env:"IMAGE_DOWNLOAD_TIMEOUT" envDefault:"30s"`
	ImageMaxBytes        int64         `env:"IMAGE_MAX_BYTES" envDefault:"26214400"`
	ImageDefaultWidth    int           `env:"IMAGE_DEFAULT_WIDTH" envDefault:"1200"`
}

// Load reads configuration from environment variables with sane defaults for
// local development.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}
