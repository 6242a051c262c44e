// Package logger provides the shared structured logger used across the
// fleet services. It wraps logrus so call sites can chain contextual
// fields without carrying logrus types around.
package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string `yaml:"level"`
	// Format is "json" or "text". Empty means text.
	Format string `yaml:"format"`
	// Output is "stdout", "stderr" or "file". Empty means stdout.
	Output string `yaml:"output"`
	// FilePrefix is the log file path prefix used when Output is "file".
	// The current date and a .log suffix are appended.
	FilePrefix string `yaml:"file_prefix"`
}

// Logger is a leveled, structured logger with chainable context fields.
type Logger struct {
	entry *logrus.Entry
}

// New constructs a logger from configuration. Invalid settings fall back
// to defaults rather than failing, so logging is always available.
func New(cfg LoggingConfig) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	base.SetOutput(resolveOutput(cfg))

	return &Logger{entry: logrus.NewEntry(base)}
}

// NewDefault returns a text logger at info level tagged with a component
// name. Used when a caller did not supply a logger.
func NewDefault(component string) *Logger {
	log := New(LoggingConfig{})
	if component != "" {
		return log.WithField("component", component)
	}
	return log
}

func resolveOutput(cfg LoggingConfig) io.Writer {
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "stderr":
		return os.Stderr
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "fleet"
		}
		path := prefix + "-" + time.Now().UTC().Format("2006-01-02") + ".log"
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				return f
			}
		}
		return os.Stdout
	default:
		return os.Stdout
	}
}

// WithField returns a logger with an extra field attached.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a logger with several extra fields attached.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithError returns a logger with the error attached under "error".
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// WithContext returns a logger bound to the given context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{entry: l.entry.WithContext(ctx)}
}

func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }
func (l *Logger) Fatal(args ...interface{}) { l.entry.Fatal(args...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }
