// Package app composes the resilience core into a running process: one agent
// pool, one result cache, one error boundary and one connection manager,
// plus the task workers that use them.
package app

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/NikhilSetiya/agentcore/internal/adapters"
	"github.com/NikhilSetiya/agentcore/internal/faultlog"
	"github.com/NikhilSetiya/agentcore/pkg/cache"
	"github.com/NikhilSetiya/agentcore/pkg/config"
	"github.com/NikhilSetiya/agentcore/pkg/connection"
	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/health"
	"github.com/NikhilSetiya/agentcore/pkg/logging"
	"github.com/NikhilSetiya/agentcore/pkg/metrics"
	"github.com/NikhilSetiya/agentcore/pkg/pool"
	"github.com/NikhilSetiya/agentcore/pkg/resilience"
	"github.com/NikhilSetiya/agentcore/pkg/tracing"
)

// FallbackCache is the fallback id that answers from the result cache
const FallbackCache = "cache"

// ErrNotRunning is returned when tasks are submitted outside Start/Stop
var ErrNotRunning = stderrors.New("runtime is not running")

// ErrStopped is returned by Start once the runtime has been stopped
var ErrStopped = stderrors.New("runtime has been stopped")

const (
	collectInterval = 15 * time.Second
	// tasks at least this slow are logged as performance events
	slowTaskThreshold = 5 * time.Second
)

// Option customises a runtime
type Option func(*Runtime)

// WithLogger sets the runtime logger
func WithLogger(logger *logging.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithRegistry registers metrics on reg instead of a private registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(r *Runtime) { r.registry = reg }
}

// WithSink adds a fault sink next to the log and stream sinks
func WithSink(sink resilience.FaultSink) Option {
	return func(r *Runtime) { r.extraSinks = append(r.extraSinks, sink) }
}

// WithConnectionOptions passes options through to the connection manager
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(r *Runtime) { r.connOpts = append(r.connOpts, opts...) }
}

// Runtime owns every long-lived resource of the process
type Runtime struct {
	config   *config.Config
	logger   *logging.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	tracing  *tracing.Service

	boundary *resilience.Boundary
	alerts   *resilience.AlertManager
	monitor  *resilience.SystemHealthMonitor
	agents   *pool.Pool[*Agent]
	results  *cache.Cache[string, interface{}]
	conns    *connection.Manager
	adapters *adapters.Set
	faults   *faultlog.Sink

	collector *metrics.Collector

	extraSinks []resilience.FaultSink
	connOpts   []connection.Option

	mu        sync.Mutex
	running   bool
	stopped   bool
	queue     chan *job
	stopCh    chan struct{}
	workers   []*Worker
	workerWg  sync.WaitGroup
	submitted atomic.Uint64
	rejected  atomic.Uint64
}

// New builds a runtime from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runtime{config: cfg}
	for _, opt := range opts {
		opt(r)
	}

	if r.logger == nil {
		logger, err := logging.NewLogger(&cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
		r.logger = logger
	}
	if r.registry == nil {
		r.registry = prometheus.NewRegistry()
	}
	r.metrics = metrics.NewMetrics(&cfg.Metrics, r.registry)

	ts, err := tracing.NewTracingService(&cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("create tracing: %w", err)
	}
	r.tracing = ts

	r.alerts = resilience.NewAlertManager(r.logger)
	r.alerts.AddHandler(resilience.NewLoggingAlertHandler(r.logger))
	alerter := resilience.NewEscalationAlerter(r.alerts, r.logger)

	if cfg.Redis.Enabled {
		sink, err := faultlog.Open(ctx, cfg.Redis)
		if err != nil {
			// the stream is optional; faults still reach the log sink
			r.logger.Warn("Fault stream disabled", "error", err.Error())
		} else {
			r.faults = sink
		}
	}

	r.results = cache.New[string, interface{}](cfg.Cache,
		cache.WithLogger[string, interface{}](r.logger),
		cache.WithSizeEstimator[string, interface{}](resultSize),
	)

	r.agents, err = newAgentPool(cfg.Pool, cfg.Runtime.WorkspaceRoot, pool.Options[*Agent]{Logger: r.logger})
	if err != nil {
		r.closeSinks()
		return nil, err
	}

	boundaryOpts := []resilience.BoundaryOption{
		resilience.WithLogger(r.logger),
		resilience.WithSink(logging.NewFaultSink(r.logger)),
		resilience.WithEscalationHandler(alerter),
		resilience.WithObserver(r.metrics),
		resilience.WithCleanup(r.cleanup),
	}
	if r.faults != nil {
		boundaryOpts = append(boundaryOpts, resilience.WithSink(r.faults))
	}
	for _, sink := range r.extraSinks {
		boundaryOpts = append(boundaryOpts, resilience.WithSink(sink))
	}
	r.boundary = resilience.NewBoundary(cfg.Boundary, boundaryOpts...)

	degradation := resilience.NewDegradationManager(cfg.Connections.UnhealthyThreshold, r.logger)
	connOpts := append([]connection.Option{
		connection.WithLogger(r.logger),
		connection.WithObserver(r.metrics),
		connection.WithEssentialFailureHook(alerter.EssentialServiceDown),
		connection.WithDegradationManager(degradation),
	}, r.connOpts...)
	r.conns = connection.NewManager(cfg.Connections, r.boundary, connOpts...)
	r.monitor = resilience.NewSystemHealthMonitor(r.alerts, degradation, cfg.Runtime.AlertInterval)

	r.adapters, err = adapters.Build(r.withCacheFallbacks(cfg.Services), adapters.Deps{
		Database: cfg.Database,
		GitHub:   cfg.GitHub,
	}, r.conns)
	if err != nil {
		r.agents.Close(ctx)
		r.closeSinks()
		return nil, err
	}

	r.collector = metrics.NewMetricsCollector(r.metrics, collectInterval, r.collect)
	return r, nil
}

// withCacheFallbacks gives every service declared with the cache fallback
// its own responder, since responders do not know which service they serve.
func (r *Runtime) withCacheFallbacks(services []config.ServiceConfig) []config.ServiceConfig {
	out := make([]config.ServiceConfig, len(services))
	copy(out, services)

	for i := range out {
		if out[i].FallbackID != FallbackCache {
			continue
		}
		name := out[i].Name
		out[i].FallbackID = FallbackCache + ":" + name
		r.conns.RegisterFallback(out[i].FallbackID, func(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error) {
			if v, ok := r.results.Get(cacheKey(name, operation, params)); ok {
				return v, nil
			}
			return nil, nil
		})
	}
	return out
}

func (r *Runtime) Boundary() *resilience.Boundary { return r.boundary }
func (r *Runtime) Connections() *connection.Manager { return r.conns }
func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }
func (r *Runtime) Logger() *logging.Logger { return r.logger }
func (r *Runtime) Config() *config.Config { return r.config }

func (r *Runtime) Tracing() *tracing.Service { return r.tracing }

// FaultStream returns the Redis fault sink, or nil when it is disabled
func (r *Runtime) FaultStream() *faultlog.Sink { return r.faults }

// Readiness builds a health service over every tool server, the agent
// workspace root, the boundary's degraded flag and the fault stream when one
// is configured.
func (r *Runtime) Readiness(cfg *health.Config) *health.Service {
	svc := health.NewService(r.logger, cfg)
	r.adapters.RegisterChecks(svc)
	root := r.config.Runtime.WorkspaceRoot
	if root == "" {
		root = os.TempDir()
	}
	svc.RegisterChecker("workspace", health.NewDirectoryChecker(root, "workspace"))
	if r.faults != nil {
		svc.RegisterChecker("fault_stream", r.faults.Checker())
	}
	svc.RegisterChecker("boundary", health.NewCustomChecker("boundary", func(context.Context) (health.Status, string, error) {
		if r.boundary.Degraded() {
			return health.StatusDegraded, "critical fault escalated", nil
		}
		return health.StatusHealthy, "", nil
	}).WithMetadata(map[string]string{"component": "error_boundary"}))
	return svc
}

// Start launches maintenance loops, the health sweep and the task workers
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	if r.stopped {
		return ErrStopped
	}

	r.agents.Start(ctx)
	r.results.Start(ctx)
	r.conns.Start(ctx)
	r.monitor.Start(ctx)
	go r.collector.Start(ctx)

	r.queue = make(chan *job, r.config.Runtime.QueueSize)
	r.stopCh = make(chan struct{})
	r.workers = make([]*Worker, 0, r.config.Runtime.Workers)
	for i := 0; i < r.config.Runtime.Workers; i++ {
		w := NewWorker(fmt.Sprintf("worker-%d", i+1), r)
		r.workers = append(r.workers, w)
		r.workerWg.Add(1)
		go func() {
			defer r.workerWg.Done()
			w.Start(ctx, r.queue, r.stopCh)
		}()
	}

	r.running = true
	r.logger.Info("Runtime started",
		"workers", len(r.workers),
		"services", len(r.conns.Services()),
		"pool", r.agents.Name(),
		"cache", r.results.Name(),
	)
	return nil
}

// Stop drains the workers and releases every resource. Queued tasks that
// were not picked up receive ErrNotRunning. A runtime that was never started
// still releases what New acquired. Stopping twice is a no-op.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	wasRunning := r.running
	r.running = false
	if wasRunning {
		close(r.stopCh)
	}
	r.mu.Unlock()

	if wasRunning {
		r.stopWorkers(ctx)
	}

	r.conns.Close()
	r.results.Stop()

	var errs []error
	if err := r.agents.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.adapters.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.closeSinks(); err != nil {
		errs = append(errs, err)
	}
	if err := r.tracing.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}

	r.logger.Info("Runtime stopped", "errors", len(errs))
	return stderrors.Join(errs...)
}

// stopWorkers waits for the workers, fails whatever is still queued and
// stops the background loops Start launched.
func (r *Runtime) stopWorkers(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("Workers did not stop before shutdown deadline")
	}

drain:
	for {
		select {
		case j := <-r.queue:
			j.done <- TaskResult{TaskID: j.task.ID, Error: ErrNotRunning.Error()}
		default:
			break drain
		}
	}

	r.collector.Stop()
	r.monitor.Stop()
}

// Submit queues task and returns the channel its result is delivered on
func (r *Runtime) Submit(ctx context.Context, task Task) (<-chan TaskResult, error) {
	if task.Service == "" || task.Operation == "" {
		return nil, errors.NewValidationFailed("task needs a service and an operation")
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil, ErrNotRunning
	}

	j := &job{ctx: ctx, task: task, done: make(chan TaskResult, 1)}
	select {
	case r.queue <- j:
		r.submitted.Add(1)
		return j.done, nil
	default:
		r.rejected.Add(1)
		return nil, errors.NewResourceExhausted("task_queue",
			fmt.Sprintf("task queue is full (%d pending)", cap(r.queue)))
	}
}

// Do submits task and waits for its result
func (r *Runtime) Do(ctx context.Context, task Task) (TaskResult, error) {
	done, err := r.Submit(ctx, task)
	if err != nil {
		return TaskResult{TaskID: task.ID, Error: err.Error()}, err
	}
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return TaskResult{TaskID: task.ID, Error: ctx.Err().Error()}, ctx.Err()
	}
}

// Run executes task on the calling goroutine: cache lookup, agent checkout,
// then the service call through the connection manager. Direct results are
// cached; degraded ones never are.
func (r *Runtime) Run(ctx context.Context, task Task) TaskResult {
	start := time.Now()
	ctx = logging.WithRunID(ctx, task.ID)
	ctx, span := tracing.Start(ctx, "runtime.task",
		attribute.String("service", task.Service),
		attribute.String("operation", task.Operation),
	)
	ctx = tracing.WithTraceContext(ctx)

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = r.config.Runtime.TaskTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out := TaskResult{TaskID: task.ID}
	finish := func(err error) TaskResult {
		out.Duration = time.Since(start)
		if err != nil {
			out.Error = err.Error()
		}
		span.SetAttributes(
			attribute.Bool("task.cached", out.Cached),
			attribute.String("result.method", out.Result.Method),
		)
		if out.Duration >= slowTaskThreshold {
			r.logger.LogPerformanceEvent(ctx, "runtime.task", out.Duration, logrus.Fields{
				"service":   task.Service,
				"operation": task.Operation,
				"method":    out.Result.Method,
			})
		}
		tracing.End(span, err)
		return out
	}

	key := cacheKey(task.Service, task.Operation, task.Params)
	if !task.NoCache {
		if v, ok := r.results.Get(key); ok {
			out.Cached = true
			out.Result = resilience.Result{Success: true, Data: v, Method: resilience.MethodDirect, Message: "served from cache"}
			return finish(nil)
		}
	}

	co, res, err := r.acquire(ctx)
	if co.agent == nil {
		out.Result = res
		if err == nil && res.Error != nil {
			err = res.Error
		}
		return finish(err)
	}
	if co.resource != nil {
		defer r.agents.Release(co.resource)
	} else {
		out.Substituted = true
		r.logger.WithContext(ctx).WithField("agent_id", co.agent.ID).Warn("Agent spawn failed, running on a minimal agent")
	}
	out.AgentID = co.agent.ID

	res, err = r.conns.Call(ctx, task.Service, task.Operation, task.Params)
	out.Result = res
	if err == nil && res.Success && res.Method == resilience.MethodDirect && !task.NoCache {
		r.results.Set(key, res.Data)
	}
	return finish(err)
}

// checkout is an agent taken for one task. resource is nil when the agent is
// a minimal stand-in substituted after a spawn failure; it is never pooled.
type checkout struct {
	agent    *Agent
	resource *pool.Resource[*Agent]
}

// acquire checks an agent out through the boundary. A cleanup result means
// the pool was exhausted and has been maintained, so the checkout is retried
// as many times as the fault's plan allows. A spawn failure substitutes a
// minimal agent so the task still runs.
func (r *Runtime) acquire(ctx context.Context) (checkout, resilience.Result, error) {
	op := func(ctx context.Context) (interface{}, error) {
		return r.agents.Acquire(ctx)
	}

	for attempt := 0; ; attempt++ {
		res, err := r.boundary.Execute(ctx, op, nil,
			resilience.WithOperationName("pool.acquire"),
			resilience.WithContext(map[string]interface{}{"pool": r.agents.Name()}),
			resilience.WithDefault(minimalAgent()),
		)
		if err != nil {
			return checkout{}, res, err
		}
		switch res.Method {
		case resilience.MethodDirect:
			if rsc, ok := res.Data.(*pool.Resource[*Agent]); ok {
				return checkout{agent: rsc.Value(), resource: rsc}, res, nil
			}
		case resilience.MethodDefault:
			if a, ok := res.Data.(*Agent); ok {
				return checkout{agent: a}, res, nil
			}
		}
		if res.Method != resilience.MethodCleanup || res.Fault == nil || attempt >= res.Fault.Plan.RetryCount {
			return checkout{}, res, nil
		}

		select {
		case <-ctx.Done():
			return checkout{}, res, ctx.Err()
		case <-time.After(res.RetryAfter):
		}
	}
}

// Stats returns a monitoring snapshot
func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	workers := make([]WorkerStats, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w.GetStats())
	}
	queue := QueueStats{
		Submitted: r.submitted.Load(),
		Rejected:  r.rejected.Load(),
	}
	if r.queue != nil {
		queue.Depth = len(r.queue)
		queue.Capacity = cap(r.queue)
	}
	r.mu.Unlock()

	return Stats{
		Pool:    r.agents.Stats(),
		Cache:   r.results.GetStats(),
		Errors:  r.boundary.GetErrorStats(),
		Queue:   queue,
		Workers: workers,
	}
}

// SystemHealth returns the connection manager's health view
func (r *Runtime) SystemHealth() connection.SystemHealth {
	return r.conns.GetSystemHealth()
}

// ReconnectAll drops every connection and re-checks all services
func (r *Runtime) ReconnectAll(ctx context.Context) connection.SystemHealth {
	return r.conns.ReconnectAll(ctx)
}

// cleanup backs the cleanup-and-retry recovery action
func (r *Runtime) cleanup(ctx context.Context) error {
	r.agents.Maintain(ctx)
	expired := r.results.Sweep()
	r.logger.Debug("Cleanup ran", "pool", r.agents.Name(), "expired_entries", expired)
	return nil
}

func (r *Runtime) collect(m *metrics.Metrics) {
	ps := r.agents.Stats()
	m.UpdatePool(ps.Name, ps.Available, ps.InUse, ps.Pending, ps.Exhausted)

	cs := r.results.GetStats()
	m.UpdateCache(cs.Name, cs.HitRate, cs.Size, cs.Evictions, cs.Expirations)

	h := r.conns.GetSystemHealth()
	m.UpdateHealthRatios(h.OverallHealthRatio, h.EssentialHealthRatio)
}

func (r *Runtime) closeSinks() error {
	if r.faults == nil {
		return nil
	}
	if err := r.faults.Close(); err != nil {
		return fmt.Errorf("close fault stream: %w", err)
	}
	return nil
}

// cacheKey is stable for equal params since JSON object keys are sorted
func cacheKey(service, operation string, params map[string]interface{}) string {
	encoded, err := json.Marshal(params)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", params))
	}
	return service + "|" + operation + "|" + string(encoded)
}

// resultSize approximates a cached result by its JSON encoding
func resultSize(v interface{}) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}
