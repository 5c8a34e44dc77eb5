package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MEMENTO_QUEUE_PARTITIONS", "4")
	t.Setenv("MEMENTO_QUEUE_BACKPRESSURE", "2000")
	t.Setenv("MEMENTO_WORKER_TIMEOUT", "45s")
	t.Setenv("MEMENTO_HISTORY_ENABLED", "false")

	cfg := Load()
	assert.Equal(t, 4, cfg.Ingestion.Queue.PartitionCount)
	assert.Equal(t, 2000, cfg.Ingestion.Queue.BackpressureThreshold)
	assert.Equal(t, 45*time.Second, cfg.Ingestion.Workers.Timeout.D())
	assert.False(t, cfg.History.Enabled)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memento.yaml")
	doc := `
graph:
  uri: bolt://graph:7687
  vectorDimensions: 768
ingestion:
  queue:
    partitionCount: 16
    partitionStrategy: hash
    retryDelay: 250ms
session:
  defaultTTL: 2h
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "bolt://graph:7687", cfg.Graph.URI)
	assert.Equal(t, 768, cfg.Graph.VectorDimensions)
	assert.Equal(t, 16, cfg.Ingestion.Queue.PartitionCount)
	assert.Equal(t, "hash", cfg.Ingestion.Queue.PartitionStrategy)
	assert.Equal(t, 250*time.Millisecond, cfg.Ingestion.Queue.RetryDelay.D())
	assert.Equal(t, 2*time.Hour, cfg.Session.DefaultTTL.D())

	// untouched keys keep defaults
	assert.Equal(t, 0.6, cfg.Search.StructuralWeight)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memento.yaml")
	require.NoError(t, os.WriteFile(path, []byte("opsPort: 9100\n"), 0o600))
	t.Setenv("MEMENTO_OPS_PORT", "9200")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.OpsPort, "env wins over the file")
}

func TestValidateRejectsBadRanges(t *testing.T) {
	cfg := Default()
	cfg.Embedding.BatchSize = 4096
	assert.Error(t, cfg.Validate(), "embedding.batchSize 4096")

	cfg = Default()
	cfg.Ingestion.Queue.PartitionStrategy = "random"
	assert.Error(t, cfg.Validate(), "unknown partition strategy")

	cfg = Default()
	cfg.Ingestion.Workers.Min = 4
	cfg.Ingestion.Workers.Max = 2
	assert.Error(t, cfg.Validate(), "workers.max < workers.min")
}
