package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLogger_RedactsConfiguredKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redactAttr}))
	logger.Info("connecting", "api_key", "sk-secret", "endpoint", "https://example.test")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["api_key"] != redactedValue {
		t.Errorf("api_key = %v, want %q", entry["api_key"], redactedValue)
	}
	if entry["endpoint"] != "https://example.test" {
		t.Errorf("endpoint was unexpectedly altered: %v", entry["endpoint"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_TextFormat(t *testing.T) {
	logger := NewLogger(LogConfig{Format: "text", Level: "debug"})
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
	// Smoke-test that the logger is usable without panicking.
	logger.Debug("hello", "component", "test")
}
