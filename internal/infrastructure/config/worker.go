package config

// WorkerConfig holds the worker's identity
type WorkerConfig struct {
	// Stable worker id; generated and persisted on first run when empty
	ID string `mapstructure:"id"`

	// Human-readable name shown in coordinator dashboards
	Name string `mapstructure:"name"`

	// Free-form tags sent at registration (e.g. "gpu", "eu-west")
	Tags []string `mapstructure:"tags"`

	// Account this worker contributes compute under
	AccountID string `mapstructure:"account_id"`

	// Path to the node signing key; generated under the data dir when empty
	NodeKey string `mapstructure:"node_key"`
}

// CoordinatorConfig holds the coordinator connection settings
type CoordinatorConfig struct {
	// WebSocket endpoint, ws:// or wss://
	URL string `mapstructure:"url" validate:"required"`

	// Delay before the first reconnect attempt; doubles up to 60s
	ReconnectIntervalMs uint64 `mapstructure:"reconnect_interval_ms"`

	// 0 means retry forever
	MaxReconnectAttempts uint32 `mapstructure:"max_reconnect_attempts"`

	ConnectTimeoutMs uint64 `mapstructure:"connect_timeout_ms"`

	// Fallback interval; the coordinator's negotiated value wins
	HeartbeatIntervalMs uint64 `mapstructure:"heartbeat_interval_ms"`
}

// APIConfig holds the coordinator's HTTP API settings used for task
// polling and crawl data forwarding
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`

	PollIntervalMs uint64 `mapstructure:"poll_interval_ms"`
}

// ResourcesConfig caps what the worker may consume
type ResourcesConfig struct {
	MaxMemoryMB    uint64 `mapstructure:"max_memory_mb"`
	MaxGPUMemoryMB uint64 `mapstructure:"max_gpu_memory_mb"`
	MaxGPUPercent  uint32 `mapstructure:"max_gpu_percent" validate:"max=100"`

	// 0 means use every available core
	MaxThreads uint32 `mapstructure:"max_threads"`

	EnableGPU bool `mapstructure:"enable_gpu"`

	// Concurrent task admission cap
	MaxConcurrentTasks uint32 `mapstructure:"max_concurrent_tasks"`
}

// PeerConfig holds the worker-to-worker mesh settings
type PeerConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// 0 picks an ephemeral port
	ListenPort uint16 `mapstructure:"listen_port"`

	MaxPeers       uint32 `mapstructure:"max_peers"`
	PingIntervalMs uint64 `mapstructure:"ping_interval_ms"`
	StaleTimeoutMs uint64 `mapstructure:"stale_timeout_ms"`

	// Dial peers from coordinator directories automatically
	AutoConnect bool `mapstructure:"auto_connect"`
}

// StorageConfig holds local filesystem locations
type StorageConfig struct {
	DataDir  string `mapstructure:"data_dir"`
	ModelDir string `mapstructure:"model_dir"`
	TempDir  string `mapstructure:"temp_dir"`
}

// OpenAIConfig holds the OpenAI-compatible backend settings
type OpenAIConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	DefaultModel string `mapstructure:"default_model"`
	TimeoutSecs  uint64 `mapstructure:"timeout_secs"`
	MaxRetries   int    `mapstructure:"max_retries" validate:"min=0"`
}
