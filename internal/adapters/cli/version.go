package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ai4all/worker/internal/protocol"
)

// Version is the worker build version, overridable at link time.
var Version = "0.1.0"

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ai4all-worker %s\n", Version)
			fmt.Printf("protocol:     %s\n", protocol.Current)
			fmt.Printf("go:           %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
