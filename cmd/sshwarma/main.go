// Package main provides the CLI entry point for sshwarma, a multi-user,
// multi-agent partyline server reached over SSH.
//
// # Basic Usage
//
// Start the server:
//
//	sshwarma serve --config sshwarma.yaml
//
// Manage database migrations:
//
//	sshwarma migrate up
//	sshwarma migrate status
//
// # Environment Variables
//
//   - SSHWARMA_CONFIG: path to the configuration file (default: sshwarma.yaml)
//   - SSHWARMA_LISTEN_ADDRESS: overrides server.listen_address
//   - SSHWARMA_DATABASE_PATH: overrides room.database_path
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY: provider credentials
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tobert/sshwarma/internal/observability"
)

// Build information, populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := observability.NewLogger(observability.LogConfig{Level: "info"})
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sshwarma",
		Short: "sshwarma - a multi-user, multi-agent partyline server",
		Long: `sshwarma is an SSH partyline server: humans and LLM agents join named
rooms, exchange chat, and invoke tools (built-in or proxied from Model
Context Protocol servers).`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
	)

	return rootCmd
}

// resolveConfigPath honors an explicit --config flag, falling back to
// SSHWARMA_CONFIG, then the working directory's sshwarma.yaml.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("SSHWARMA_CONFIG")); env != "" {
		return env
	}
	return "sshwarma.yaml"
}
