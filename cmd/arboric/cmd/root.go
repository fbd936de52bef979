// Package cmd provides the CLI commands for arboric.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arboric/arboric/internal/config"
)

var cfgFile string

// loader is created once flags are parsed.
var loader *config.Loader

var rootCmd = &cobra.Command{
	Use:   "arboric",
	Short: "arboric - GraphQL access control proxy",
	Long: `arboric is a reverse proxy for GraphQL APIs.

It verifies the JWT bearer token of each request, parses the GraphQL
document and checks every top-level field against an ordered list of
claim-based policies before forwarding the request upstream.

Quick start:
  1. Create a config file: arboric.yaml
  2. Run: arboric start

Configuration:
  Config is loaded from arboric.yaml in the current directory,
  $HOME/.arboric/, or /etc/arboric/.

  Environment variables override config values with the ARBORIC_ prefix.
  Example: ARBORIC_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the proxy server
  stop        Stop the running server
  reload      Reload policies of the running server
  policy      Check policies or evaluate a query offline
  hash-key    Generate an argon2id hash for the admin API key
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./arboric.yaml)")
}

func initConfig() {
	loader = config.NewLoader(cfgFile)
}
