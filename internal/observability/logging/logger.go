package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions configures the rotating file sink. An empty Path disables it.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func NewJSONLogger(service, level string) *slog.Logger {
	return NewJSONLoggerTo(os.Stdout, service, level)
}

// NewJSONLoggerWithFile logs to stdout and, when opts.Path is set, to a rotating file.
// The returned closer releases the file handle.
func NewJSONLoggerWithFile(service, level string, opts FileOptions) (*slog.Logger, io.Closer) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return NewJSONLogger(service, level), nopCloser{}
	}
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    positiveOr(opts.MaxSizeMB, 50),
		MaxBackups: positiveOr(opts.MaxBackups, 5),
		MaxAge:     positiveOr(opts.MaxAgeDays, 14),
		Compress:   true,
	}
	return NewJSONLoggerTo(io.MultiWriter(os.Stdout, sink), service, level), sink
}

// NewJSONLoggerTo writes records to w. The CLI uses it to keep stdout for results.
func NewJSONLoggerTo(w io.Writer, service, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler).With("service", service)
}

func parseLevel(level string) slog.Level {
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

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
