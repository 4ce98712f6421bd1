package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	appErrors "github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/logging"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return recorder
}

func TestNewTracingService_Disabled(t *testing.T) {
	ts, err := NewTracingService(nil)
	require.NoError(t, err)

	_, span := ts.StartSpan(context.Background(), "noop")
	span.End()
	assert.NoError(t, ts.Shutdown(context.Background()))
}

func TestStartAndEnd(t *testing.T) {
	recorder := installRecorder(t)

	ctx, span := Start(context.Background(), "boundary.execute")
	assert.NotEmpty(t, GetTraceID(ctx))
	assert.NotEmpty(t, GetSpanID(ctx))
	End(span, errors.New("boom"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "boundary.execute", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestWithTraceContext(t *testing.T) {
	installRecorder(t)

	ctx, span := Start(context.Background(), "op")
	defer span.End()

	ctx = WithTraceContext(ctx)
	assert.Equal(t, GetTraceID(ctx), ctx.Value(logging.TraceIDKey))
	assert.Equal(t, GetSpanID(ctx), ctx.Value(logging.SpanIDKey))
}

func TestGetTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
	assert.Empty(t, GetSpanID(context.Background()))
}

func TestRecordError_FaultAttributes(t *testing.T) {
	recorder := installRecorder(t)

	_, span := Start(context.Background(), "pool.acquire")
	fault := appErrors.NewResourceExhausted("agents", "pool at capacity")
	End(span, fault)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "resource_exhausted", attrs["fault.kind"])
	assert.Equal(t, fault.ID, attrs["fault.id"])
	assert.Len(t, spans[0].Events(), 1)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := installRecorder(t)

	run := func(enabled bool) *httptest.ResponseRecorder {
		cfg := DefaultConfig()
		svc := &Service{cfg: *cfg, tracer: otel.Tracer(InstrumentationName)}
		svc.cfg.Enabled = enabled

		var traceID interface{}
		router := gin.New()
		router.Use(svc.Middleware())
		router.GET("/api/v1/stats", func(c *gin.Context) {
			traceID = c.Request.Context().Value(logging.TraceIDKey)
			c.Status(http.StatusInternalServerError)
		})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
		if enabled {
			assert.NotNil(t, traceID)
		} else {
			assert.Nil(t, traceID)
		}
		return w
	}

	run(false)
	assert.Empty(t, recorder.Ended())

	run(true)
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /api/v1/stats", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
