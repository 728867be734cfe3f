package runtime

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/loqalabs/loqa-companion/internal/config"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ParseLevel maps a config level name to a slog level. Unknown names mean info.
func ParseLevel(name string) slog.Level {
	if level, ok := logLevels[strings.ToLower(strings.TrimSpace(name))]; ok {
		return level
	}
	return slog.LevelInfo
}

// NewLogger builds the process logger: JSON for deployments, colored text on a console.
func NewLogger(cfg config.TelemetryConfig, w io.Writer) *slog.Logger {
	level := ParseLevel(cfg.LogLevel)
	if cfg.LogFormat == "console" {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
