package logging

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey namespaces the identifiers this package stores in a context.
type ContextKey string

const (
	CorrelationIDKey ContextKey = "correlation_id"
	RunIDKey         ContextKey = "run_id"
	RequestIDKey     ContextKey = "request_id"
	TraceIDKey       ContextKey = "trace_id"
	SpanIDKey        ContextKey = "span_id"
)

// contextKeys lists, in output order, the identifiers WithContext copies
// into an entry. Each key doubles as the field name.
var contextKeys = []ContextKey{CorrelationIDKey, RunIDKey, RequestIDKey, TraceIDKey, SpanIDKey}

// WithContext returns an entry carrying every identifier present on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.base()
	if ctx == nil {
		return entry
	}
	fields := logrus.Fields{}
	for _, k := range contextKeys {
		if v := ctx.Value(k); v != nil {
			fields[string(k)] = v
		}
	}
	return entry.WithFields(fields).WithContext(ctx)
}

// LogRequest records one served HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path, userAgent, clientIP string, status int, took time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"http_method":      method,
		"http_path":        path,
		"http_status":      status,
		"user_agent":       userAgent,
		"client_ip":        clientIP,
		"response_time_ms": took.Milliseconds(),
	}).Info("HTTP request processed")
}

// LogPerformanceEvent records an operation that took notably long.
func (l *Logger) LogPerformanceEvent(ctx context.Context, operation string, took time.Duration, fields logrus.Fields) {
	l.WithContext(ctx).WithFields(fields).WithFields(logrus.Fields{
		"operation":   operation,
		"duration_ms": took.Milliseconds(),
		"duration":    took.String(),
	}).Warn("Slow operation")
}

// LogError records err. A stack trace is attached at debug level.
func (l *Logger) LogError(ctx context.Context, err error, message string, fields logrus.Fields) {
	entry := l.WithContext(ctx).WithFields(errorFields(err)).WithFields(fields)
	if l.Logger.IsLevelEnabled(logrus.DebugLevel) {
		entry = entry.WithField("stack_trace", stack())
	}
	entry.Error(message)
}

// LogPanic records a recovered panic and its stack. It never exits.
func (l *Logger) LogPanic(ctx context.Context, recovered interface{}, message string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"panic":       recovered,
		"stack_trace": stack(),
	}).Error(message)
}

// NewCorrelationID returns a fresh random identifier.
func NewCorrelationID() string { return uuid.NewString() }

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RunIDKey, id)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

func WithSpanID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SpanIDKey, id)
}

func stringValue(ctx context.Context, k ContextKey) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(k).(string)
	return s
}

// GetCorrelationID returns the correlation ID on ctx, or "".
func GetCorrelationID(ctx context.Context) string { return stringValue(ctx, CorrelationIDKey) }

// GetRunID returns the run ID on ctx, or "".
func GetRunID(ctx context.Context) string { return stringValue(ctx, RunIDKey) }
