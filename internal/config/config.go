// Package config loads sshwarma's YAML configuration: the server's
// listen address and host key, the room store path, LLM provider
// credentials, the desired MCP server fleet, and logging behavior.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of sshwarma's configuration file.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Room    RoomConfig    `yaml:"room"`
	LLM     LLMConfig     `yaml:"llm"`
	MCP     MCPConfig     `yaml:"mcp"`
	Scripts ScriptsConfig `yaml:"scripts"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig controls the SSH listener.
type ServerConfig struct {
	// ListenAddress is the host:port the SSH transport binds to.
	ListenAddress string `yaml:"listen_address"`

	// HostKeyPath is the path to the server's SSH host private key.
	HostKeyPath string `yaml:"host_key_path"`

	// MetricsAddress, if set, serves Prometheus metrics on this host:port.
	MetricsAddress string `yaml:"metrics_address"`
}

// RoomConfig controls the embedded room store.
type RoomConfig struct {
	// DatabasePath is the sqlite file backing the room store (rooms,
	// buffers, rows, things, agents, exits, scripts).
	DatabasePath string `yaml:"database_path"`

	// DefaultRoom is the room a session lands in when it names none.
	DefaultRoom string `yaml:"default_room"`
}

// LLMConfig configures the Streaming Pipeline's providers.
type LLMConfig struct {
	// DefaultProvider names the provider backend used when an agent
	// declares none of its own.
	DefaultProvider string `yaml:"default_provider"`

	// Providers is keyed by backend name ("anthropic", "openai", ...).
	Providers map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig configures a single streaming provider.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

// MCPConfig declares the MCP Connection Manager's desired server fleet.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig names one MCP server to maintain a connection to: a
// url for an HTTP endpoint, or a command (plus args/env) for a
// stdio-transport subprocess. Setting command selects stdio.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Timeout time.Duration     `yaml:"timeout"`
}

// ScriptsConfig locates the embedded script filesystem precedence roots.
type ScriptsConfig struct {
	// FSRoot is the filesystem directory Script Host module resolution
	// falls back to for plain module names, after the user's stored script
	// and the embedded default; room.* and sshwarma.* names never reach it.
	FSRoot string `yaml:"fs_root"`
}

// LoggingConfig configures the process-wide structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Load reads, expands, and validates a config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SSHWARMA_LISTEN_ADDRESS"); v != "" {
		cfg.Server.ListenAddress = v
	}
	if v := os.Getenv("SSHWARMA_HOST_KEY_PATH"); v != "" {
		cfg.Server.HostKeyPath = v
	}
	if v := os.Getenv("SSHWARMA_DATABASE_PATH"); v != "" {
		cfg.Room.DatabasePath = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		overrideProviderKey(cfg, "anthropic", v)
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		overrideProviderKey(cfg, "openai", v)
	}
}

func overrideProviderKey(cfg *Config, name, apiKey string) {
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	p := cfg.LLM.Providers[name]
	p.APIKey = apiKey
	cfg.LLM.Providers[name] = p
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = "0.0.0.0:2222"
	}
	if cfg.Server.HostKeyPath == "" {
		cfg.Server.HostKeyPath = "sshwarma_host_key"
	}
	if cfg.Room.DatabasePath == "" {
		cfg.Room.DatabasePath = "sshwarma.db"
	}
	if cfg.Room.DefaultRoom == "" {
		cfg.Room.DefaultRoom = "lobby"
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	for name, p := range cfg.LLM.Providers {
		if p.DefaultModel == "" {
			p.DefaultModel = defaultModelFor(name)
			cfg.LLM.Providers[name] = p
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func defaultModelFor(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4o"
	default:
		return ""
	}
}

// ConfigValidationError collects every validation issue found, rather than
// failing on the first one.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %s", strings.Join(e.Issues, "; "))
}

func validateConfig(cfg *Config) error {
	var issues []string

	if cfg.LLM.DefaultProvider != "" {
		if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
			issues = append(issues, fmt.Sprintf("llm.default_provider %q has no matching llm.providers entry", cfg.LLM.DefaultProvider))
		}
	}

	if !validLogLevel(cfg.Logging.Level) {
		issues = append(issues, fmt.Sprintf("logging.level %q is invalid", cfg.Logging.Level))
	}
	if !validLogFormat(cfg.Logging.Format) {
		issues = append(issues, fmt.Sprintf("logging.format %q is invalid", cfg.Logging.Format))
	}

	for i, server := range cfg.MCP.Servers {
		if strings.TrimSpace(server.Name) == "" {
			issues = append(issues, fmt.Sprintf("mcp.servers[%d].name is required", i))
		}
		if strings.TrimSpace(server.URL) == "" && strings.TrimSpace(server.Command) == "" {
			issues = append(issues, fmt.Sprintf("mcp.servers[%d] needs a url or a command", i))
		}
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

func validLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func validLogFormat(format string) bool {
	switch format {
	case "json", "text":
		return true
	default:
		return false
	}
}
