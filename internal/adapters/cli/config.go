package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ai4all/worker/internal/infrastructure/config"
)

// NewConfigCommand creates the config command with subcommands
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage worker configuration",
		Long: `Manage worker configuration.

Configuration is loaded from multiple sources with priority:
1. Environment variables (AI4ALL_* prefix)
2. Config file (config.yaml)
3. Default values

Examples:
  ai4all-worker config init
  ai4all-worker config validate
  ai4all-worker config show`,
	}

	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigValidateCommand())
	cmd.AddCommand(newConfigShowCommand())

	return cmd
}

// newConfigInitCommand creates the config init subcommand
func newConfigInitCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented default config file",
		Long: `Write a config file populated with the default settings and
comments describing every option.

Example:
  ai4all-worker config init --output config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", output)
			}
			if err := os.WriteFile(output, []byte(defaultConfigTemplate), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			fmt.Printf("Wrote default configuration to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "config.yaml", "Where to write the config file")
	return cmd
}

// newConfigValidateCommand creates the config validate subcommand
func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Println("Configuration is valid")
			fmt.Printf("  coordinator: %s\n", cfg.Coordinator.URL)
			fmt.Printf("  api:         %s (enabled=%v)\n", cfg.API.BaseURL, cfg.API.Enabled)
			fmt.Printf("  peer mesh:   enabled=%v port=%d\n", cfg.Peer.Enabled, cfg.Peer.ListenPort)
			return nil
		},
	}
}

// newConfigShowCommand creates the config show subcommand
func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long: `Display the configuration after merging defaults, the config file
and environment variables. Secrets are redacted.

Example:
  ai4all-worker config show`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}

			// Never print credentials
			if cfg.OpenAI.APIKey != "" {
				cfg.OpenAI.APIKey = "********"
			}
			if cfg.Database.Password != "" {
				cfg.Database.Password = "********"
			}

			encoded, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			fmt.Print(string(encoded))
			return nil
		},
	}
}

const defaultConfigTemplate = `# AI4ALL worker configuration

worker:
  # Stable worker id; generated and persisted on first run when empty
  id: ""
  # Human-readable name shown in coordinator dashboards
  name: ""
  # Free-form tags sent at registration
  tags: []
  # Account this worker contributes compute under (enables HTTP polling)
  account_id: ""
  # Path to the ed25519 node key; defaults to <data_dir>/node.key
  node_key: ""

coordinator:
  url: "wss://coordinator.ai4all.network"
  reconnect_interval_ms: 5000
  # 0 means retry forever
  max_reconnect_attempts: 0
  connect_timeout_ms: 30000
  heartbeat_interval_ms: 30000

api:
  enabled: true
  base_url: "https://api.ai4all.network"
  poll_interval_ms: 5000

resources:
  max_memory_mb: 8192
  max_gpu_memory_mb: 0
  max_gpu_percent: 75
  # 0 means use every available core
  max_threads: 0
  enable_gpu: false
  max_concurrent_tasks: 4

peer:
  enabled: true
  # 0 picks an ephemeral port
  listen_port: 0
  max_peers: 32
  ping_interval_ms: 15000
  stale_timeout_ms: 60000
  auto_connect: true

storage:
  data_dir: "~/.ai4all/worker"
  model_dir: "~/.ai4all/worker/models"
  temp_dir: "~/.ai4all/worker/tmp"

database:
  # sqlite or postgres; holds the crawled-page spool
  type: "sqlite"
  path: ""

openai:
  enabled: true
  base_url: "http://localhost:11434/v1"
  api_key: ""
  default_model: "llama3"
  timeout_secs: 120
  max_retries: 2

logging:
  level: "info"
  file: ""
  json_format: false

metrics:
  enabled: false
  listen_addr: "localhost:9464"
`
