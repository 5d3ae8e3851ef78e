// Command autoweaved is the plugin-driven job orchestration platform's
// process entrypoint: a cobra CLI with a long-running serve subcommand
// plus small utility commands for operators.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "autoweaved",
	Short:   "autoweaved runs the plugin-driven job orchestration platform",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"autoweaved version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loadPluginCmd)
}
