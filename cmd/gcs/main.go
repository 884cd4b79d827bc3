// Command gcs is the Generic Control System runtime: an LLM-orchestrated
// tool runtime with local tools, internal services and external MCP
// agents.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gcsruntime/gcs/internal/config"
	"github.com/gcsruntime/gcs/internal/kernel"
)

func main() {
	root := &cobra.Command{
		Use:           "gcs",
		Short:         "Generic Control System runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCmd(),
		newChatCmd(),
		newListConfigsCmd(),
		newLoadConfigCmd(),
		newAuthCmd(),
		newAuthStatusCmd(),
		newSwitchProviderCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildKernel loads .env + settings and constructs an un-started kernel.
func buildKernel() (*kernel.Kernel, error) {
	config.LoadEnv()
	settings, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	return kernel.New(settings)
}
