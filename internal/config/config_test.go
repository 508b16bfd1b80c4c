package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sshwarma.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_address: 0.0.0.0:2222
  extra: true
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidatesDefaultProvider(t *testing.T) {
	path := writeConfig(t, `
llm:
  default_provider: openai
  providers:
    anthropic: {}
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "default_provider") {
		t.Fatalf("expected default_provider error, got %v", err)
	}
}

func TestLoadValidatesLoggingLevel(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: loud
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "logging.level") {
		t.Fatalf("expected logging.level error, got %v", err)
	}
}

func TestLoadValidatesMCPServers(t *testing.T) {
	path := writeConfig(t, `
mcp:
  servers:
    - name: ""
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "mcp.servers[0]") {
		t.Fatalf("expected mcp.servers[0] error, got %v", err)
	}
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_address: 127.0.0.1:2222
room:
  database_path: /tmp/sshwarma.db
  default_room: lobby
mcp:
  servers:
    - name: filesystem
      url: http://localhost:9100
llm:
  default_provider: anthropic
  providers:
    anthropic:
      default_model: claude-sonnet-4-5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected config to load, got %v", err)
	}
	if cfg.Server.ListenAddress != "127.0.0.1:2222" {
		t.Fatalf("unexpected listen address: %q", cfg.Server.ListenAddress)
	}
	if cfg.Room.DatabasePath != "/tmp/sshwarma.db" {
		t.Fatalf("unexpected database path: %q", cfg.Room.DatabasePath)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddress != "0.0.0.0:2222" {
		t.Fatalf("expected default listen address, got %q", cfg.Server.ListenAddress)
	}
	if cfg.Room.DefaultRoom != "lobby" {
		t.Fatalf("expected default room lobby, got %q", cfg.Room.DefaultRoom)
	}
	if cfg.LLM.Providers["anthropic"].DefaultModel != "claude-sonnet-4-5" {
		t.Fatalf("expected default anthropic model filled in, got %q", cfg.LLM.Providers["anthropic"].DefaultModel)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("expected default logging config, got %+v", cfg.Logging)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("SSHWARMA_LISTEN_ADDRESS", "127.0.0.1:2200")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-override")

	path := writeConfig(t, `
server:
  listen_address: 0.0.0.0:2222
llm:
  default_provider: anthropic
  providers:
    anthropic: {}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddress != "127.0.0.1:2200" {
		t.Fatalf("expected listen address override, got %q", cfg.Server.ListenAddress)
	}
	if cfg.LLM.Providers["anthropic"].APIKey != "sk-test-override" {
		t.Fatalf("expected anthropic api key override, got %q", cfg.LLM.Providers["anthropic"].APIKey)
	}
}
