package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("LEASE_DURATION", "")
	cfg := Load()
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 2*time.Minute, cfg.LeaseDuration)
	assert.Zero(t, cfg.RetryBackoffInitial, "retries are immediately eligible by default")
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("CLAIM_BATCH_SIZE", "7")
	t.Setenv("LEASE_DURATION", "45s")
	t.Setenv("ARCHIVE_S3_PATH_STYLE", "true")
	t.Setenv("MAX_RETRIES", "not-a-number")

	cfg := Load()
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, 7, cfg.ClaimBatchSize)
	assert.Equal(t, 45*time.Second, cfg.LeaseDuration)
	assert.True(t, cfg.ArchiveS3PathStyle)
	assert.Equal(t, 3, cfg.MaxRetries, "unparseable values keep the default")
}

func TestRedisCanBeDisabled(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	assert.Empty(t, Load().RedisAddr)

	t.Setenv("REDIS_ADDR", "redis:6380")
	assert.Equal(t, "redis:6380", Load().RedisAddr)

	require.NoError(t, os.Unsetenv("REDIS_ADDR"))
	assert.Equal(t, "localhost:6379", Load().RedisAddr)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.StoreDriver = "mysql"
	cfg.ClaimBatchSize = 0
	cfg.RetryBackoffInitial = time.Minute
	cfg.RetryBackoffMax = time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_DRIVER")
	assert.Contains(t, err.Error(), "CLAIM_BATCH_SIZE")
	assert.Contains(t, err.Error(), "RETRY_BACKOFF_MAX")
}

func TestResolveWorkerID(t *testing.T) {
	cfg := Config{WorkerID: "w-1"}
	assert.Equal(t, "w-1", cfg.ResolveWorkerID())
	cfg.WorkerID = ""
	assert.NotEmpty(t, cfg.ResolveWorkerID())
}
