package config

import (
	"os"
	"path/filepath"
	"time"
)

// SetDefaults sets default values for all configuration fields
func SetDefaults(cfg *Config) {
	// Worker defaults
	if cfg.Worker.Name == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Worker.Name = host
		} else {
			cfg.Worker.Name = "ai4all-worker"
		}
	}

	// Coordinator defaults
	if cfg.Coordinator.URL == "" {
		cfg.Coordinator.URL = "wss://coordinator.ai4all.network"
	}
	if cfg.Coordinator.ReconnectIntervalMs == 0 {
		cfg.Coordinator.ReconnectIntervalMs = 5000
	}
	if cfg.Coordinator.ConnectTimeoutMs == 0 {
		cfg.Coordinator.ConnectTimeoutMs = 30000
	}
	if cfg.Coordinator.HeartbeatIntervalMs == 0 {
		cfg.Coordinator.HeartbeatIntervalMs = 30000
	}

	// API defaults
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "https://api.ai4all.network"
	}
	if cfg.API.PollIntervalMs == 0 {
		cfg.API.PollIntervalMs = 5000
	}

	// Resource defaults
	if cfg.Resources.MaxMemoryMB == 0 {
		cfg.Resources.MaxMemoryMB = 8192
	}
	if cfg.Resources.MaxGPUPercent == 0 {
		cfg.Resources.MaxGPUPercent = 75
	}
	if cfg.Resources.MaxConcurrentTasks == 0 {
		cfg.Resources.MaxConcurrentTasks = 4
	}

	// Peer defaults
	if cfg.Peer.MaxPeers == 0 {
		cfg.Peer.MaxPeers = 32
	}
	if cfg.Peer.PingIntervalMs == 0 {
		cfg.Peer.PingIntervalMs = 15000
	}
	if cfg.Peer.StaleTimeoutMs == 0 {
		cfg.Peer.StaleTimeoutMs = 60000
	}

	// Storage defaults
	if cfg.Storage.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.Storage.DataDir = filepath.Join(home, ".ai4all", "worker")
	}
	if cfg.Storage.ModelDir == "" {
		cfg.Storage.ModelDir = filepath.Join(cfg.Storage.DataDir, "models")
	}
	if cfg.Storage.TempDir == "" {
		cfg.Storage.TempDir = filepath.Join(cfg.Storage.DataDir, "tmp")
	}

	// Database defaults (local crawl spool)
	if cfg.Database.Type == "" {
		cfg.Database.Type = "sqlite"
	}
	if cfg.Database.Type == "sqlite" && cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.Storage.DataDir, "spool.db")
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.Pool.MaxOpen == 0 {
		cfg.Database.Pool.MaxOpen = 10
	}
	if cfg.Database.Pool.MaxIdle == 0 {
		cfg.Database.Pool.MaxIdle = 2
	}
	if cfg.Database.Pool.MaxLifetime == 0 {
		cfg.Database.Pool.MaxLifetime = 5 * time.Minute
	}

	// OpenAI backend defaults
	if cfg.OpenAI.BaseURL == "" {
		cfg.OpenAI.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.OpenAI.DefaultModel == "" {
		cfg.OpenAI.DefaultModel = "llama3"
	}
	if cfg.OpenAI.TimeoutSecs == 0 {
		cfg.OpenAI.TimeoutSecs = 120
	}
	if cfg.OpenAI.MaxRetries == 0 {
		cfg.OpenAI.MaxRetries = 2
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	// Metrics defaults
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = "localhost:9464"
	}
}
