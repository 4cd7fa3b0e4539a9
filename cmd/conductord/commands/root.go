// Package commands provides conductord's CLI commands.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information, set at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "conductord",
	Short: "conductord multiplexes interactive coding-agent sessions over HTTP and WebSocket",
	Long: `conductord is a headless, long-lived server that runs many concurrent
interactive coding-agent conversations, each backed by an external agent
process, and exposes their lifecycle and event stream to one or more
browser clients.

Run 'conductord serve' to start the server.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.SetVersionTemplate(fmt.Sprintf("conductord %s (%s)\n", version, commit))
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
