package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture returns a JSON logger writing into a buffer.
func capture(t testing.TB, level string) (*Logger, *bytes.Buffer) {
	t.Helper()
	lg, err := NewLogger(&Config{Level: level, Format: "json", ServiceName: "resilienced", Version: "0.3.1"})
	require.NoError(t, err)
	buf := &bytes.Buffer{}
	lg.SetOutput(buf)
	return lg, buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr string
	}{
		{name: "nil uses defaults", config: nil},
		{name: "partial config is filled", config: &Config{Level: "warn"}},
		{name: "text format", config: &Config{Format: "TEXT", Output: "stderr"}},
		{name: "bad level", config: &Config{Level: "loud"}, wantErr: "invalid log level"},
		{name: "bad format", config: &Config{Format: "xml"}, wantErr: "unsupported log format"},
		{name: "unwritable file", config: &Config{Output: filepath.Join(t.TempDir(), "missing", "x.log")}, wantErr: "failed to open log file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lg, err := NewLogger(tt.config)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, lg)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, lg)
		})
	}
}

func TestNewLogger_PartialConfigKeepsDefaults(t *testing.T) {
	lg, err := NewLogger(&Config{Level: "debug"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, lg.GetLevel())
	assert.Equal(t, "agentcore", lg.serviceName)
	assert.Equal(t, "unknown", lg.version)
}

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentcore.log")
	lg, err := NewLogger(&Config{Output: path})
	require.NoError(t, err)

	lg.Info("pool warmed", "size", 4)

	data, err := readFile(path)
	require.NoError(t, err)
	assert.Contains(t, data, `"message":"pool warmed"`)
}

func TestWithContext_CopiesIdentifiers(t *testing.T) {
	lg, buf := capture(t, "info")

	ctx := WithCorrelationID(context.Background(), "corr-1")
	ctx = WithRunID(ctx, "task-9")
	ctx = WithTraceID(ctx, "trace-a")
	lg.WithContext(ctx).Info("sweep finished")

	entry := lastEntry(t, buf)
	assert.Equal(t, "corr-1", entry["correlation_id"])
	assert.Equal(t, "task-9", entry["run_id"])
	assert.Equal(t, "trace-a", entry["trace_id"])
	assert.NotContains(t, entry, "span_id")
	assert.Equal(t, "resilienced", entry["service"])
	assert.Equal(t, "0.3.1", entry["version"])
	assert.Equal(t, "sweep finished", entry["message"])
}

func TestLogRequest(t *testing.T) {
	lg, buf := capture(t, "info")

	ctx := WithRequestID(context.Background(), "req-7")
	lg.LogRequest(ctx, "POST", "/api/v1/tasks", "curl/8", "10.0.0.2", 429, 250*time.Millisecond)

	entry := lastEntry(t, buf)
	assert.Equal(t, "req-7", entry["request_id"])
	assert.Equal(t, "POST", entry["http_method"])
	assert.Equal(t, "/api/v1/tasks", entry["http_path"])
	assert.Equal(t, float64(429), entry["http_status"])
	assert.Equal(t, float64(250), entry["response_time_ms"])
}

func TestLogPerformanceEvent(t *testing.T) {
	lg, buf := capture(t, "info")

	lg.LogPerformanceEvent(WithRunID(context.Background(), "r1"), "task.run", 6*time.Second, logrus.Fields{"service": "memory"})

	entry := lastEntry(t, buf)
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "task.run", entry["operation"])
	assert.Equal(t, float64(6000), entry["duration_ms"])
	assert.Equal(t, "memory", entry["service"])
	assert.Equal(t, "r1", entry["run_id"])
}

func TestLogError_StackOnlyAtDebug(t *testing.T) {
	for _, level := range []string{"info", "debug"} {
		t.Run(level, func(t *testing.T) {
			lg, buf := capture(t, level)
			lg.LogError(context.Background(), fmt.Errorf("dial memory: refused"), "connect failed", logrus.Fields{"service": "memory"})

			entry := lastEntry(t, buf)
			assert.Equal(t, "connect failed", entry["message"])
			assert.Equal(t, "dial memory: refused", entry["error"])
			assert.Equal(t, "*errors.errorString", entry["error_type"])
			if level == "debug" {
				assert.Contains(t, entry, "stack_trace")
			} else {
				assert.NotContains(t, entry, "stack_trace")
			}
		})
	}
}

func TestLogPanic(t *testing.T) {
	lg, buf := capture(t, "info")

	lg.LogPanic(context.Background(), "assignment to entry in nil map", "recovered panic")

	entry := lastEntry(t, buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "assignment to entry in nil map", entry["panic"])
	assert.Contains(t, entry["stack_trace"], "goroutine")
}

func TestKeyValueMethods(t *testing.T) {
	lg, buf := capture(t, "debug")

	lg.Debug("acquire", "pool", "agents")
	assert.Equal(t, "debug", lastEntry(t, buf)["level"])

	lg.Warn("pool near capacity", "pool", "agents", "in_use", 9, "dangling")
	entry := lastEntry(t, buf)
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "agents", entry["pool"])
	assert.Equal(t, float64(9), entry["in_use"])
	assert.Equal(t, "dangling", entry[badKey])
}

func TestWithError(t *testing.T) {
	lg, buf := capture(t, "info")

	lg.WithError(assert.AnError).Error("boom")

	entry := lastEntry(t, buf)
	assert.Equal(t, assert.AnError.Error(), entry["error"])
	assert.Equal(t, "*errors.errorString", entry["error_type"])
}

func TestTextFormat(t *testing.T) {
	lg, err := NewLogger(&Config{Format: "text", ServiceName: "resilienced"})
	require.NoError(t, err)
	var buf bytes.Buffer
	lg.SetOutput(&buf)

	lg.WithFields(logrus.Fields{"service_name": "memory"}).Info("reconnected")

	out := buf.String()
	assert.Contains(t, out, "reconnected")
	assert.Contains(t, out, "service_name=memory")
	assert.Contains(t, out, "service=resilienced")
}

func TestContextIDs(t *testing.T) {
	a, b := NewCorrelationID(), NewCorrelationID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)

	ctx := WithCorrelationID(WithRunID(context.Background(), "run-42"), a)
	assert.Equal(t, a, GetCorrelationID(ctx))
	assert.Equal(t, "run-42", GetRunID(ctx))
	assert.Empty(t, GetCorrelationID(context.Background()))
	assert.Empty(t, GetRunID(context.Background()))
}

func TestSetGlobalLogger(t *testing.T) {
	prev := GetLogger()
	t.Cleanup(func() { SetGlobalLogger(prev) })

	nop := NewNopLogger()
	SetGlobalLogger(nop)
	assert.Same(t, nop, GetLogger())

	SetGlobalLogger(nil)
	assert.Same(t, nop, GetLogger())
}

func BenchmarkWithContext(b *testing.B) {
	lg, _ := capture(b, "info")
	ctx := WithRunID(WithCorrelationID(context.Background(), "c"), "r")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		lg.WithContext(ctx).Info("bench")
	}
}

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	return string(b), err
}
