// Package metrics holds the Prometheus collectors for the runtime. Every
// Observe and Update method is a no-op when metrics are disabled.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NikhilSetiya/agentcore/pkg/errors"
)

// Metrics is the set of collectors registered on one registry.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Boundary metrics
	BoundaryExecutions *prometheus.CounterVec
	BoundaryDuration   *prometheus.HistogramVec
	FaultsTotal        *prometheus.CounterVec
	EscalationsTotal   *prometheus.CounterVec
	PanicsTotal        *prometheus.CounterVec

	// Connection metrics
	ConnectionAttempts *prometheus.CounterVec
	ServiceHealthy     *prometheus.GaugeVec
	HealthRatio        *prometheus.GaugeVec

	// Pool metrics
	PoolResources *prometheus.GaugeVec
	PoolExhausted *prometheus.GaugeVec

	// Cache metrics
	CacheHitRatio *prometheus.GaugeVec
	CacheEntries  *prometheus.GaugeVec
	CacheEvicted  *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

type Config struct {
	Namespace string `json:"namespace" yaml:"namespace"`
	Subsystem string `json:"subsystem" yaml:"subsystem"`
	Enabled   bool   `json:"enabled" yaml:"enabled"`
}

// DefaultConfig namespaces every metric under "agentcore".
func DefaultConfig() *Config {
	return &Config{
		Namespace: "agentcore",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates all collectors and registers them on reg. A nil reg
// registers on a fresh registry, which keeps tests independent.
func NewMetrics(config *Config, reg *prometheus.Registry) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	if !config.Enabled {
		return &Metrics{gatherer: reg}
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}, labels)
	}

	m := &Metrics{
		HTTPRequestsTotal: counter("http_requests_total", "Total number of HTTP requests", "method", "path", "status_code"),
		HTTPRequestDuration: histogram("http_request_duration_seconds", "HTTP request duration in seconds",
			prometheus.DefBuckets, "method", "path", "status_code"),
		HTTPRequestsInFlight: gauge("http_requests_in_flight", "Number of HTTP requests currently being processed", "method", "path"),

		BoundaryExecutions: counter("boundary_executions_total", "Operations run through the error boundary, by result method", "operation", "method", "success"),
		BoundaryDuration: histogram("boundary_execution_duration_seconds", "Error boundary execution duration in seconds",
			[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}, "method"),
		FaultsTotal:      counter("faults_total", "Classified faults", "kind", "severity", "category"),
		EscalationsTotal: counter("escalations_total", "Escalation notifications sent", "severity"),
		PanicsTotal:      counter("panics_total", "Recovered panics", "component"),

		ConnectionAttempts: counter("connection_attempts_total", "Service connection attempts", "service", "outcome"),
		ServiceHealthy:     gauge("service_healthy", "1 when the last health check passed", "service", "essential"),
		HealthRatio:        gauge("health_ratio", "Share of healthy services", "scope"),

		PoolResources: gauge("pool_resources", "Pooled resources by state", "pool", "state"),
		PoolExhausted: gauge("pool_exhausted_total", "Acquisitions rejected at capacity", "pool"),

		CacheHitRatio: gauge("cache_hit_ratio", "Cache hit ratio", "cache"),
		CacheEntries:  gauge("cache_entries", "Live cache entries", "cache"),
		CacheEvicted:  gauge("cache_evictions_total", "Entries removed by eviction or expiry", "cache", "reason"),

		gatherer: reg,
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.BoundaryExecutions,
		m.BoundaryDuration,
		m.FaultsTotal,
		m.EscalationsTotal,
		m.PanicsTotal,
		m.ConnectionAttempts,
		m.ServiceHealthy,
		m.HealthRatio,
		m.PoolResources,
		m.PoolExhausted,
		m.CacheHitRatio,
		m.CacheEntries,
		m.CacheEvicted,
	)

	return m
}

// RecordHTTPRequest counts and times one served request.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// ObserveExecution records one boundary-mediated call.
func (m *Metrics) ObserveExecution(operation, method string, success bool, duration time.Duration) {
	if m.BoundaryExecutions == nil {
		return
	}

	m.BoundaryExecutions.WithLabelValues(operation, method, strconv.FormatBool(success)).Inc()
	m.BoundaryDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveFault records a classified fault.
func (m *Metrics) ObserveFault(f *errors.Fault) {
	if m.FaultsTotal == nil || f == nil {
		return
	}

	m.FaultsTotal.WithLabelValues(string(f.Kind), string(f.Severity), string(f.Category)).Inc()
}

// ObserveEscalation records an escalation for severity.
func (m *Metrics) ObserveEscalation(severity errors.Severity) {
	if m.EscalationsTotal == nil {
		return
	}

	m.EscalationsTotal.WithLabelValues(string(severity)).Inc()
}

// RecordPanic counts a recovered panic in component.
func (m *Metrics) RecordPanic(component string) {
	if m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// ObserveConnectionAttempt records the outcome of one connection attempt.
func (m *Metrics) ObserveConnectionAttempt(service, outcome string) {
	if m.ConnectionAttempts == nil {
		return
	}

	m.ConnectionAttempts.WithLabelValues(service, outcome).Inc()
}

// ObserveServiceHealth records the latest health check result for a service.
func (m *Metrics) ObserveServiceHealth(service string, essential, healthy bool) {
	if m.ServiceHealthy == nil {
		return
	}

	value := 0.0
	if healthy {
		value = 1
	}
	m.ServiceHealthy.WithLabelValues(service, strconv.FormatBool(essential)).Set(value)
}

// UpdateHealthRatios sets the overall and essential health ratios.
func (m *Metrics) UpdateHealthRatios(overall, essential float64) {
	if m.HealthRatio == nil {
		return
	}

	m.HealthRatio.WithLabelValues("overall").Set(overall)
	m.HealthRatio.WithLabelValues("essential").Set(essential)
}

// UpdatePool sets pool gauges from a stats snapshot.
func (m *Metrics) UpdatePool(pool string, available, inUse, pending int, exhausted uint64) {
	if m.PoolResources == nil {
		return
	}

	m.PoolResources.WithLabelValues(pool, "available").Set(float64(available))
	m.PoolResources.WithLabelValues(pool, "in_use").Set(float64(inUse))
	m.PoolResources.WithLabelValues(pool, "pending").Set(float64(pending))
	m.PoolExhausted.WithLabelValues(pool).Set(float64(exhausted))
}

// UpdateCache sets cache gauges from a stats snapshot.
func (m *Metrics) UpdateCache(cache string, hitRatio float64, entries int, evictions, expirations uint64) {
	if m.CacheHitRatio == nil {
		return
	}

	m.CacheHitRatio.WithLabelValues(cache).Set(hitRatio)
	m.CacheEntries.WithLabelValues(cache).Set(float64(entries))
	m.CacheEvicted.WithLabelValues(cache, "evicted").Set(float64(evictions))
	m.CacheEvicted.WithLabelValues(cache, "expired").Set(float64(expirations))
}

// PrometheusMiddleware counts and times every request by route. Requests
// that matched no route share the "unmatched" label.
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsTotal == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		inFlight := m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, route)
		inFlight.Inc()
		defer inFlight.Dec()

		start := time.Now()
		c.Next()
		m.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry the metrics were registered on.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}
