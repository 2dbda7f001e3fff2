package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveKeys are attribute keys whose values never reach the log output
var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"password_hash": {},
	"token":         {},
	"authorization": {},
	"api_key":       {},
	"secret":        {},
}

// SetupLogger installs the default slog logger.
//
// format "json" selects the JSON handler, anything else the text handler.
// level is one of debug, info, warn, error (case-insensitive) and defaults to info.
// Every record carries a service attribute when service is non-empty.
func SetupLogger(format, level, service string) {
	lvl := ParseLevel(level)
	logger := slog.New(NewHandler(os.Stdout, format, lvl))
	if service != "" {
		logger = logger.With("service", service)
	}
	slog.SetDefault(logger)
	slog.Info("logger initialised", "format", format, "level", lvl.String())
}

// ParseLevel maps a configured level name to a slog.Level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// NewHandler builds the handler SetupLogger installs, writing to w. Values of
// credential-bearing keys are replaced before they are written.
func NewHandler(w io.Writer, format string, lvl slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   lvl == slog.LevelDebug,
		ReplaceAttr: redactSensitive,
	}

	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func redactSensitive(_ []string, a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redacted)
	}
	return a
}
