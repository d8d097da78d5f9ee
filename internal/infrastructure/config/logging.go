package config

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Log level: trace, debug, info, warn, error
	Level string `mapstructure:"level" validate:"required,oneof=trace debug info warn error"`

	// Optional log file; stderr when empty
	File string `mapstructure:"file"`

	// Emit JSON lines instead of text
	JSONFormat bool `mapstructure:"json_format"`
}

// MetricsConfig holds the Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Address for the /metrics listener
	ListenAddr string `mapstructure:"listen_addr"`
}
