package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cortexuvula/chatterbridge/internal/config"
)

// level is shared by every handler Setup installs so SetLevel can change
// verbosity without rebuilding the logger.
var level slog.LevelVar

// Attribute keys whose values are never written to logs.
var sensitiveKeys = map[string]bool{
	"access_token": true,
	"api_key":      true,
	"auth_token":   true,
	"token":        true,
	"password":     true,
}

// Setup configures the global slog logger from the logging config.
// Returns the lumberjack logger (if file logging) so it can be closed on shutdown.
func Setup(cfg config.LoggingConfig) *lumberjack.Logger {
	var w io.Writer = os.Stdout
	var lj *lumberjack.Logger

	if cfg.File != "" {
		lj = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = lj
	}

	SetLevel(cfg.Level)
	slog.SetDefault(slog.New(newHandler(w, cfg.Format)))
	return lj
}

// SetLevel changes the minimum level of the installed logger (called on SIGHUP).
func SetLevel(l string) {
	level.Set(parseLevel(l))
}

func newHandler(w io.Writer, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: &level, ReplaceAttr: redact}
	if format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] && a.Value.String() != "" {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
