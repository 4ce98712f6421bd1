// Package tracing sets up OpenTelemetry export to Jaeger and offers span
// helpers for the rest of the module.
package tracing

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config controls span export.
type Config struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	ServiceName    string  `json:"service_name" yaml:"service_name"`
	ServiceVersion string  `json:"service_version" yaml:"service_version"`
	Environment    string  `json:"environment" yaml:"environment"`
	JaegerEndpoint string  `json:"jaeger_endpoint" yaml:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate" yaml:"sampling_rate"`
}

// DefaultConfig leaves tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "agentcore",
		ServiceVersion: "dev",
		Environment:    "development",
		JaegerEndpoint: "http://localhost:14268/api/traces",
		SamplingRate:   1,
	}
}

// Service owns the tracer provider when export is enabled. A disabled
// service still hands out spans from the global provider.
type Service struct {
	cfg      Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewTracingService builds the service. When enabled it installs a batching
// Jaeger provider and W3C propagation globally.
func NewTracingService(cfg *Config) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Service{cfg: *cfg, tracer: otel.Tracer(InstrumentationName)}
	if !cfg.Enabled {
		return s, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("create jaeger exporter: %w", err)
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	s.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(s.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	s.tracer = s.provider.Tracer(InstrumentationName)
	return s, nil
}

// Enabled reports whether spans are exported.
func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Shutdown flushes pending spans.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	return s.provider.Shutdown(ctx)
}

// StartSpan starts a span on the service's tracer.
func (s *Service) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, opts...)
}

// Middleware opens a server span per request, continuing any incoming trace.
// It does nothing while export is disabled.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.Enabled {
			c.Next()
			return
		}

		prop := otel.GetTextMapPropagator()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx := prop.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := s.tracer.Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
				attribute.String("http.client_ip", c.ClientIP()),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(WithTraceContext(ctx))
		prop.Inject(ctx, propagation.HeaderCarrier(c.Writer.Header()))
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		for _, e := range c.Errors {
			span.RecordError(e.Err)
		}
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}
