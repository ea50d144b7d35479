// Package logging configures the process-wide slog logger: a JSON
// handler by default, driven by the env LOG_LEVEL/LOG_FORMAT/LOG_TO_FILE
// knobs, with file rotation via lumberjack.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configure the logger. Zero value is a sane default (info,
// JSON, stdout only).
type Options struct {
	Level      string // debug|info|warn|error
	Format     string // json|text
	ToFile     bool
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func levelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New builds the root logger and installs it as slog's default at
// process start.
func New(opts Options) *slog.Logger {
	var w io.Writer = os.Stdout
	if opts.ToFile && opts.FilePath != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    fallback(opts.MaxSizeMB, 100),
			MaxBackups: fallback(opts.MaxBackups, 5),
			MaxAge:     fallback(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		w = io.MultiWriter(os.Stdout, lj)
	}

	handlerOpts := &slog.HandlerOptions{Level: levelFromString(opts.Level)}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func fallback(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
