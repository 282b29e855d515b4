package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "dev", cfg.Env)
	require.Equal(t, "8080", cfg.HTTPPort)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Equal(t, 3, cfg.MaxRetriesPerQueue)
	require.Equal(t, 5*time.Second, cfg.InitialBackoff)
	require.Equal(t, 5, cfg.ConcurrencyPerQueue)
	require.Equal(t, 30*time.Second, cfg.StalledInterval)
	require.Equal(t, 24*time.Hour, cfg.RetentionPeriod)
	require.Equal(t, 10, cfg.AlertThreshold)
	require.Empty(t, cfg.ArchiveDSN)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("MAX_RETRIES_PER_QUEUE", "7")
	t.Setenv("INITIAL_BACKOFF", "250ms")
	t.Setenv("RATE_LIMIT_MAX_JOBS", "42")
	t.Setenv("ARCHIVE_POSTGRES_DSN", "postgres://localhost/archive")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "redis.internal:6380", cfg.RedisAddr)
	require.Equal(t, 7, cfg.MaxRetriesPerQueue)
	require.Equal(t, 250*time.Millisecond, cfg.InitialBackoff)
	require.Equal(t, 42, cfg.RateLimitMax)
	require.Equal(t, "postgres://localhost/archive", cfg.ArchiveDSN)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("INITIAL_BACKOFF", "not-a-duration")

	_, err := Load()
	require.Error(t, err)
}
