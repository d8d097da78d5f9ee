package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsApplied(t *testing.T) {
	cfg := &Config{}
	SetDefaults(cfg)

	assert.Equal(t, "wss://coordinator.ai4all.network", cfg.Coordinator.URL)
	assert.Equal(t, 5*time.Second, cfg.Coordinator.ReconnectInterval())
	assert.Equal(t, 30*time.Second, cfg.Coordinator.HeartbeatInterval())
	assert.Equal(t, uint32(0), cfg.Coordinator.MaxReconnectAttempts)

	assert.Equal(t, uint64(8192), cfg.Resources.MaxMemoryMB)
	assert.Equal(t, uint32(75), cfg.Resources.MaxGPUPercent)
	assert.Equal(t, uint32(4), cfg.Resources.MaxConcurrentTasks)

	assert.Equal(t, uint32(32), cfg.Peer.MaxPeers)
	assert.Equal(t, 15*time.Second, cfg.Peer.PingInterval())
	assert.Equal(t, time.Minute, cfg.Peer.StaleTimeout())

	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Contains(t, cfg.Database.Path, "spool.db")

	assert.Equal(t, "http://localhost:11434/v1", cfg.OpenAI.BaseURL)
	assert.Equal(t, "llama3", cfg.OpenAI.DefaultModel)
	assert.Equal(t, 2, cfg.OpenAI.MaxRetries)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Contains(t, cfg.Storage.DataDir, filepath.Join(".ai4all", "worker"))
	assert.Equal(t, filepath.Join(cfg.Storage.DataDir, "models"), cfg.Storage.ModelDir)
}

func TestDefaultsPreserveExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Coordinator.URL = "ws://localhost:8700"
	cfg.Resources.MaxConcurrentTasks = 8
	SetDefaults(cfg)

	assert.Equal(t, "ws://localhost:8700", cfg.Coordinator.URL)
	assert.Equal(t, uint32(8), cfg.Resources.MaxConcurrentTasks)
}

func TestValidateRejectsNonWebSocketURL(t *testing.T) {
	cfg := &Config{}
	SetDefaults(cfg)
	cfg.Coordinator.URL = "https://coordinator.ai4all.network"

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ws://")
}

func TestValidateRejectsBadGPUPercent(t *testing.T) {
	cfg := &Config{}
	SetDefaults(cfg)
	cfg.Resources.MaxGPUPercent = 150

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MaxGPUPercent")
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := &Config{}
	SetDefaults(cfg)
	cfg.Logging.Level = "verbose"

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Level")
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker:
  name: bench-node
  tags: ["gpu", "eu-west"]
coordinator:
  url: ws://localhost:8700
  heartbeat_interval_ms: 10000
peer:
  enabled: false
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "bench-node", cfg.Worker.Name)
	assert.Equal(t, []string{"gpu", "eu-west"}, cfg.Worker.Tags)
	assert.Equal(t, "ws://localhost:8700", cfg.Coordinator.URL)
	assert.Equal(t, 10*time.Second, cfg.Coordinator.HeartbeatInterval())

	// Explicit false survives the true default.
	assert.False(t, cfg.Peer.Enabled)
	assert.True(t, cfg.Peer.AutoConnect)

	// Untouched sections keep their defaults.
	assert.Equal(t, uint64(8192), cfg.Resources.MaxMemoryMB)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("AI4ALL_WORKER_NAME", "env-node")
	t.Setenv("AI4ALL_COORDINATOR_URL", "ws://127.0.0.1:9000")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		// A missing explicit path is an error; fall back to discovery.
		cfg, err = LoadConfig("")
	}
	require.NoError(t, err)

	assert.Equal(t, "env-node", cfg.Worker.Name)
	assert.Equal(t, "ws://127.0.0.1:9000", cfg.Coordinator.URL)
}

func TestLoadConfigOrDefaultFallsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("coordinator:\n  url: not-a-url\n"), 0o644))

	cfg := LoadConfigOrDefault(path)
	assert.Equal(t, "wss://coordinator.ai4all.network", cfg.Coordinator.URL)
}
