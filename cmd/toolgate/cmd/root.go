// Package cmd provides the CLI commands for the toolgate gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolgate/gateway/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "toolgate - MCP tool-access gateway",
	Long: `toolgate mediates MCP JSON-RPC calls between agents and backend MCP
servers, authorizing every tools/call through a catalog, a revocation list,
and claims-matching access rules, with an optional human-approval step for
gated tools.

Quick start:
  1. Create a config file: toolgate.yaml
  2. Run: toolgate start

Configuration:
  Config is loaded from toolgate.yaml in the current directory, $HOME/.toolgate/,
  or /etc/toolgate/.

  Environment variables can override config values with the TOOLGATE_ prefix.
  Example: TOOLGATE_EDGE_LISTEN_ADDR=:9090

Commands:
  start       Start the gateway
  version     Print version information`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./toolgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
