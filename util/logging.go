package util

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Logger is the project's interface for logging
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithComponent(component string) Logger
}

// LogFormat selects the slog handler behind a root logger.
type LogFormat string

const (
	// LogFormatText writes logfmt-style lines with a relative source location
	LogFormatText LogFormat = "text"
	// LogFormatJSON writes one JSON object per line
	LogFormatJSON LogFormat = "json"
	// LogFormatDev writes colored, human oriented lines
	LogFormatDev LogFormat = "dev"
)

// slogLogger is an implementation of Logger that uses slog
type slogLogger struct {
	logger *slog.Logger
}

// NewRootLogger creates a new text root logger with the specified level and output
func NewRootLogger(level slog.Level, output io.Writer) Logger {
	return NewRootLoggerWithFormat(level, LogFormatText, output)
}

// NewRootLoggerWithFormat creates a root logger using the handler for format.
// Unknown formats fall back to text.
func NewRootLoggerWithFormat(level slog.Level, format LogFormat, output io.Writer) Logger {
	if output == nil {
		output = os.Stdout
	}

	var handler slog.Handler
	switch format {
	case LogFormatJSON:
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
	case LogFormatDev:
		handler = tint.NewHandler(output, &tint.Options{
			Level:      level,
			AddSource:  true,
			TimeFormat: time.Kitchen,
		})
	default:
		workspacePath := determineWorkspacePath()
		handler = slog.NewTextHandler(output, &slog.HandlerOptions{
			Level:     level,
			AddSource: true,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.SourceKey {
					source, ok := a.Value.Any().(*slog.Source)
					if !ok {
						return a
					}
					relPath := createRelativePath(source.File, workspacePath)
					return slog.Attr{Key: "src", Value: slog.StringValue(relPath + ":" + fmt.Sprint(source.Line))}
				}
				return a
			},
		})
	}

	return &slogLogger{logger: slog.New(handler)}
}

// ParseLevel maps a config string onto a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// ParseFormat validates a config string as a LogFormat. Empty means text.
func ParseFormat(s string) (LogFormat, error) {
	switch f := LogFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return LogFormatText, nil
	case LogFormatText, LogFormatJSON, LogFormatDev:
		return f, nil
	}
	return LogFormatText, fmt.Errorf("unknown log format %q", s)
}

// createRelativePath generates a relative path from the absolute file path.
// Files outside the workspace keep their last three path elements.
func createRelativePath(filePath, basePath string) string {
	if basePath != "" && strings.HasPrefix(filePath, basePath) {
		rel, err := filepath.Rel(basePath, filePath)
		if err == nil {
			return rel
		}
	}

	parts := strings.Split(filepath.ToSlash(filePath), "/")
	if len(parts) <= 2 {
		return filePath
	}

	startIdx := len(parts) - 3
	if startIdx < 0 {
		startIdx = 0
	}
	return filepath.Join(parts[startIdx:]...)
}

// determineWorkspacePath attempts to find the workspace root path
func determineWorkspacePath() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for _, dir := range []string{wd, filepath.Dir(wd)} {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
	}

	return wd
}

// Debug logs a debug message
func (l *slogLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// Info logs an info message
func (l *slogLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

// Warn logs a warning message
func (l *slogLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Error logs an error message
func (l *slogLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// With returns a logger that always includes args
func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{logger: l.logger.With(args...)}
}

// WithComponent returns a new logger with the component name added as an attribute
func (l *slogLogger) WithComponent(component string) Logger {
	return &slogLogger{logger: l.logger.With("component", component)}
}

// DefaultRootLogger returns a default root logger configured for standard output with INFO level
func DefaultRootLogger() Logger {
	return NewRootLogger(slog.LevelInfo, os.Stdout)
}

// NopLogger returns a logger that discards everything. Tests use it to keep
// output quiet.
func NopLogger() Logger {
	return &slogLogger{logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}
