package observability

import (
	"log/slog"
	"os"
)

// LogConfig mirrors internal/config.LoggingConfig; kept as its own type so
// this package does not import internal/config.
type LogConfig struct {
	Level     string
	Format    string
	AddSource bool
}

// redactedKeys are attribute keys masked before they reach a log record.
// A closed, explicit key list; message text is never pattern-matched.
var redactedKeys = map[string]bool{
	"api_key":      true,
	"apikey":       true,
	"token":        true,
	"password":     true,
	"authorization": true,
}

const redactedValue = "[REDACTED]"

// NewLogger builds the process-wide structured logger. Every long-lived
// component in this tree (rowlog.Log, mcp.Manager, streaming.Pipeline,
// scripthost.Host, session.Controller) takes the resulting *slog.Logger
// and scopes it further with .With("component", ...).
func NewLogger(cfg LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func redactAttr(groups []string, a slog.Attr) slog.Attr {
	if redactedKeys[a.Key] {
		a.Value = slog.StringValue(redactedValue)
	}
	return a
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
