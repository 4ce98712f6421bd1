// Package logging is the structured logger shared by every agentcore
// component. It wraps logrus, stamps each entry with the service name and
// version, and lifts correlation identifiers out of the context.
package logging

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is a logrus logger bound to one service identity.
type Logger struct {
	*logrus.Logger
	serviceName string
	version     string
}

// Config selects level, encoding and destination.
type Config struct {
	Level       string `json:"level" yaml:"level"`
	Format      string `json:"format" yaml:"format"`
	Output      string `json:"output" yaml:"output"`
	ServiceName string `json:"service_name" yaml:"service_name"`
	Version     string `json:"version" yaml:"version"`
}

// DefaultConfig logs JSON at info level to stdout.
func DefaultConfig() Config {
	return Config{
		Level:       "info",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "agentcore",
		Version:     "unknown",
	}
}

// withDefaults fills every empty field from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Level == "" {
		c.Level = d.Level
	}
	if c.Format == "" {
		c.Format = d.Format
	}
	if c.Output == "" {
		c.Output = d.Output
	}
	if c.ServiceName == "" {
		c.ServiceName = d.ServiceName
	}
	if c.Version == "" {
		c.Version = d.Version
	}
	return c
}

// NewLogger builds a logger from config. A nil config means DefaultConfig.
func NewLogger(config *Config) (*Logger, error) {
	cfg := DefaultConfig()
	if config != nil {
		cfg = config.withDefaults()
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	formatter, err := formatterFor(cfg.Format)
	if err != nil {
		return nil, err
	}
	out, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	lg := logrus.New()
	lg.SetLevel(level)
	lg.SetFormatter(formatter)
	lg.SetOutput(out)
	lg.SetReportCaller(true)

	return &Logger{Logger: lg, serviceName: cfg.ServiceName, version: cfg.Version}, nil
}

func formatterFor(format string) (logrus.Formatter, error) {
	switch strings.ToLower(format) {
	case "json":
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
				logrus.FieldKeyFunc: "function",
			},
		}, nil
	case "text":
		return &logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true}, nil
	}
	return nil, fmt.Errorf("unsupported log format: %s", format)
}

// openOutput resolves "stdout", "stderr" or a file path opened for append.
func openOutput(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// NewNopLogger discards everything it is given.
func NewNopLogger() *Logger {
	lg := logrus.New()
	lg.SetOutput(io.Discard)
	return &Logger{Logger: lg, serviceName: "agentcore", version: "test"}
}

func (l *Logger) base() *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.serviceName, "version": l.version})
}

// WithFields returns an entry carrying the service identity plus fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.base().WithFields(fields)
}

// WithError attaches err and its dynamic type.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.WithFields(errorFields(err))
}

func errorFields(err error) logrus.Fields {
	if err == nil {
		return logrus.Fields{}
	}
	return logrus.Fields{"error": err.Error(), "error_type": fmt.Sprintf("%T", err)}
}

func stack() string {
	buf := make([]byte, 8192)
	return string(buf[:runtime.Stack(buf, false)])
}

// SetOutput redirects the underlying writer.
func (l *Logger) SetOutput(w io.Writer) { l.Logger.SetOutput(w) }

// SetLevel changes the minimum level.
func (l *Logger) SetLevel(level logrus.Level) { l.Logger.SetLevel(level) }

// GetLevel reports the minimum level.
func (l *Logger) GetLevel() logrus.Level { return l.Logger.GetLevel() }

var globalLogger = NewNopLogger()

func init() {
	if lg, err := NewLogger(nil); err == nil {
		globalLogger = lg
	}
}

// GetLogger returns the process-wide logger used by components that were
// not handed one.
func GetLogger() *Logger { return globalLogger }

// SetGlobalLogger replaces the process-wide logger.
func SetGlobalLogger(logger *Logger) {
	if logger != nil {
		globalLogger = logger
	}
}

// Info logs msg with alternating key/value pairs.
func (l *Logger) Info(msg string, kv ...interface{}) { l.WithFields(pairs(kv)).Info(msg) }

// Warn logs msg with alternating key/value pairs.
func (l *Logger) Warn(msg string, kv ...interface{}) { l.WithFields(pairs(kv)).Warn(msg) }

// Error logs msg with alternating key/value pairs.
func (l *Logger) Error(msg string, kv ...interface{}) { l.WithFields(pairs(kv)).Error(msg) }

// Debug logs msg with alternating key/value pairs.
func (l *Logger) Debug(msg string, kv ...interface{}) { l.WithFields(pairs(kv)).Debug(msg) }

// badKey holds a trailing key that had no value.
const badKey = "!BADKEY"

func pairs(kv []interface{}) logrus.Fields {
	fields := make(logrus.Fields, (len(kv)+1)/2)
	for len(kv) > 1 {
		fields[fmt.Sprint(kv[0])] = kv[1]
		kv = kv[2:]
	}
	if len(kv) == 1 {
		fields[badKey] = kv[0]
	}
	return fields
}
