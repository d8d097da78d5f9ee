// Package cli wires the worker's cobra command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ai4all/worker/internal/errs"
)

var (
	// Global flags
	configPath string
)

// NewRootCommand creates the root command for the worker CLI
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ai4all-worker",
		Short: "AI4ALL worker - contribute compute to the network",
		Long: `AI4ALL worker connects to a coordinator, advertises this machine's
capabilities and executes inference, training and crawl tasks.

Examples:
  ai4all-worker run
  ai4all-worker run --config /etc/ai4all/config.yaml
  ai4all-worker config init
  ai4all-worker config validate
  ai4all-worker version`,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to config file (default: ./config.yaml, ./configs/config.yaml, /etc/ai4all/config.yaml)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(NewConfigCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// Execute runs the root command
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errs.FormatTerminal(err))
		os.Exit(errs.ExitCodeOf(err))
	}
}
