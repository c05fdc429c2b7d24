package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("EDI_CONFIG_FILE", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 2000, cfg.Bundling.MaxMessages)
	assert.Equal(t, time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 1<<20, cfg.Documents.InlineLimit)
	assert.Empty(t, cfg.MongoDB.URI)
	assert.Equal(t, 30*time.Second, cfg.MongoDB.OperationTimeout)
}

func TestLoadConfig_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: memory
worker:
  poll_interval: 250ms
  batch_size: 20
bundling:
  max_messages: 50
mongodb:
  uri: ${TEST_MONGO_URI}
  bucket: docs
  operation_timeout: 5s
`), 0o600))

	t.Setenv("EDI_CONFIG_FILE", path)
	t.Setenv("TEST_MONGO_URI", "mongodb://mongo:27017")
	t.Setenv("WORKER_BATCH_SIZE", "30")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, 30, cfg.Worker.BatchSize, "environment wins over the file")
	assert.Equal(t, 50, cfg.Bundling.MaxMessages)
	assert.Equal(t, "mongodb://mongo:27017", cfg.MongoDB.URI)
	assert.Equal(t, "docs", cfg.MongoDB.Bucket)
	assert.Equal(t, 5*time.Second, cfg.MongoDB.OperationTimeout)
	assert.Equal(t, "edi", cfg.MongoDB.Database, "unset keys keep their defaults")
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("EDI_CONFIG_FILE", "")
	t.Setenv("STORE_DRIVER", "redis")
	t.Setenv("BUNDLE_MAX_MESSAGES", "0")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
	assert.Contains(t, err.Error(), "bundling.max_messages")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Setenv("EDI_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "notanumber")
	t.Setenv("TEST_DURATION", "5s")

	assert.Equal(t, 7, getEnvInt("TEST_INT", 7))
	assert.Equal(t, 5*time.Second, getEnvDuration("TEST_DURATION", time.Second))
	assert.Equal(t, "fallback", getEnv("TEST_UNSET_VARIABLE", "fallback"))
}
