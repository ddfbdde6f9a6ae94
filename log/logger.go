// Package log provides a minimal leveled logging interface backed by slog.
//
// The interface is intentionally small so that library packages can accept
// a Logger without coupling callers to a concrete logging backend.
package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// LogLevel represents the supported logging levels.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	ErrorLevel
)

// Logger is the logging interface used across the library.
// Structured variants accept alternating key/value pairs, slog style.
type Logger interface {
	Debug(msg string, args ...any)
	Debugf(format string, args ...any)
	Info(msg string, args ...any)
	Infof(format string, args ...any)
	Error(msg string, args ...any)
	Errorf(format string, args ...any)
	With(args ...any) Logger
}

// NewLogger creates a Logger writing text output to stderr at the given
// level. Unknown level strings default to info.
func NewLogger(level string) Logger {
	logLevel := parseLevel(level)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: toSlogLevel(logLevel),
	})
	return &slogLogger{
		logger:   slog.New(handler),
		logLevel: logLevel,
	}
}

// NewNoopLogger creates a Logger that discards all output.
func NewNoopLogger() Logger {
	return noopLogger{}
}

func parseLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug", "dbg":
		return DebugLevel
	case "error", "err":
		return ErrorLevel
	case "info", "inf":
		return InfoLevel
	default:
		return InfoLevel
	}
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type slogLogger struct {
	logger   *slog.Logger
	logLevel LogLevel
}

func (l *slogLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

func (l *slogLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

func (l *slogLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *slogLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

func (l *slogLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{
		logger:   l.logger.With(args...),
		logLevel: l.logLevel,
	}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any)  {}
func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Info(string, ...any)   {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Error(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

func (n noopLogger) With(...any) Logger { return n }
