package main

import "github.com/spf13/cobra"

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sshwarma server",
		Long: `Start the sshwarma server.

This:
  1. Loads configuration
  2. Opens the room store (and applies pending migrations)
  3. Wires the Agent Orchestration Core in dependency order: Row Log,
     MCP Connection Manager, Tool Registry, Streaming Pipeline, Script
     Host, Session Controller
  4. Accepts connections and runs one session per connection
  5. Shuts down gracefully on SIGINT/SIGTERM`,
		Example: `  sshwarma serve --config sshwarma.yaml
  sshwarma serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
