package connection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/health"
	"github.com/NikhilSetiya/agentcore/pkg/logging"
	"github.com/NikhilSetiya/agentcore/pkg/resilience"
	"github.com/NikhilSetiya/agentcore/pkg/tracing"
)

// Config holds connection manager settings
type Config struct {
	// ConnectionTTL is how long an opened connection is reused
	ConnectionTTL time.Duration `yaml:"connection_ttl"`
	// HealthInterval is the period of the background health sweep
	HealthInterval time.Duration `yaml:"health_interval"`
	// MaxRetries is the number of attempts after the first one. The default
	// of 3 gives four attempts separated by 1s, 2s and 4s.
	MaxRetries    int           `yaml:"max_retries"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	// AttemptTimeout bounds each connection attempt on its own
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
	// UnhealthyThreshold is the number of consecutive failed checks before a
	// service counts as unhealthy
	UnhealthyThreshold int `yaml:"unhealthy_threshold"`
	// BreakerFailures consecutive failed attempts open a service's breaker
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
	// SweepConcurrency caps parallel health checks during a sweep
	SweepConcurrency int `yaml:"sweep_concurrency"`
}

// DefaultConfig returns the default connection manager configuration
func DefaultConfig() Config {
	return Config{
		ConnectionTTL:      60 * time.Second,
		HealthInterval:     5 * time.Minute,
		MaxRetries:         3,
		BaseDelay:          errors.DefaultConnectionBackoff.BaseDelay,
		MaxDelay:           errors.DefaultConnectionBackoff.MaxDelay,
		BackoffFactor:      errors.DefaultConnectionBackoff.Factor,
		AttemptTimeout:     5 * time.Second,
		HealthTimeout:      5 * time.Second,
		UnhealthyThreshold: 1,
		BreakerFailures:    5,
		BreakerTimeout:     30 * time.Second,
		SweepConcurrency:   8,
	}
}

// Backoff returns the retry schedule for connection attempts
func (c Config) Backoff() errors.BackoffPolicy {
	return errors.BackoffPolicy{
		BaseDelay: c.BaseDelay,
		MaxDelay:  c.MaxDelay,
		Factor:    c.BackoffFactor,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectionTTL <= 0 {
		c.ConnectionTTL = d.ConnectionTTL
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = d.HealthTimeout
	}
	if c.UnhealthyThreshold < 1 {
		c.UnhealthyThreshold = d.UnhealthyThreshold
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = d.SweepConcurrency
	}
	return c
}

// ServiceDescriptor registers one external service
type ServiceDescriptor struct {
	Name       string
	Essential  bool
	FallbackID string
	Connector  Connector
	// HealthCheck may be nil, in which case a successful connect is healthy
	HealthCheck health.Checker
	// Backoff overrides the manager's retry schedule for this service
	Backoff *errors.BackoffPolicy
	// AttemptTimeout overrides the manager's per-attempt timeout
	AttemptTimeout time.Duration
}

// EssentialFailureHook is called once per outage, when a sweep first finds an
// essential service unhealthy. A passing health check ends the outage.
// *resilience.EscalationAlerter's EssentialServiceDown fits.
type EssentialFailureHook func(ctx context.Context, service, message string)

// Observer receives connection telemetry. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveConnectionAttempt(service, outcome string)
	ObserveServiceHealth(service string, essential, healthy bool)
	UpdateHealthRatios(overall, essential float64)
}

// Option customises a Manager
type Option func(*Manager)

// WithLogger sets the manager logger
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithSleep replaces the wait between connection attempts
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// WithClock replaces time.Now for connection TTL checks
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithEssentialFailureHook sets the hook for unhealthy essential services
func WithEssentialFailureHook(hook EssentialFailureHook) Option {
	return func(m *Manager) { m.hook = hook }
}

// WithObserver sets the telemetry observer
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithDegradationManager shares a degradation manager, for example with a
// SystemHealthMonitor
func WithDegradationManager(dm *resilience.DegradationManager) Option {
	return func(m *Manager) { m.degradation = dm }
}

type service struct {
	desc    ServiceDescriptor
	breaker *resilience.CircuitBreaker
	// outage is set once the failure hook has run for the current outage
	outage atomic.Bool
}

// ServiceStatus is the per-service detail of SystemHealth
type ServiceStatus struct {
	Name         string        `json:"name"`
	Essential    bool          `json:"essential"`
	Healthy      bool          `json:"healthy"`
	Connected    bool          `json:"connected"`
	FallbackID   string        `json:"fallback_id,omitempty"`
	Breaker      string        `json:"breaker"`
	LastCheck    time.Time     `json:"last_check"`
	ErrorCount   int           `json:"error_count"`
	ResponseTime time.Duration `json:"response_time"`
	Message      string        `json:"message,omitempty"`
}

// SystemHealth summarises every registered service
type SystemHealth struct {
	OverallHealthRatio   float64                     `json:"overall_health_ratio"`
	EssentialHealthRatio float64                     `json:"essential_health_ratio"`
	Services             map[string]ServiceStatus    `json:"services"`
	ConnectionCacheSize  int                         `json:"connection_cache_size"`
	DegradationLevel     resilience.DegradationLevel `json:"degradation_level"`
	LastSweep            time.Time                   `json:"last_sweep"`
}

// Manager hands out connections to registered services, falling back to a
// stand-in whenever the real service cannot be reached or is unhealthy.
type Manager struct {
	config      Config
	boundary    *resilience.Boundary
	logger      *logging.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
	hook        EssentialFailureHook
	observer    Observer
	degradation *resilience.DegradationManager

	mu        sync.RWMutex
	services  map[string]*service
	fallbacks map[string]Responder
	conns     map[string]*RealConnection
	lastSweep time.Time

	// serialises connection creation per service
	dialMu sync.Map

	loopMu  sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewManager creates a connection manager. Every connection attempt and call
// runs through boundary.
func NewManager(config Config, boundary *resilience.Boundary, opts ...Option) *Manager {
	config = config.withDefaults()

	m := &Manager{
		config:    config,
		boundary:  boundary,
		logger:    logging.GetLogger(),
		now:       time.Now,
		services:  make(map[string]*service),
		fallbacks: make(map[string]Responder),
		conns:     make(map[string]*RealConnection),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.boundary == nil {
		m.boundary = resilience.NewBoundary(resilience.DefaultBoundaryConfig(), resilience.WithLogger(m.logger))
	}
	if m.degradation == nil {
		m.degradation = resilience.NewDegradationManager(config.UnhealthyThreshold, m.logger)
	}
	return m
}

// Degradation returns the degradation manager fed by health checks
func (m *Manager) Degradation() *resilience.DegradationManager { return m.degradation }

// Register adds a service. Names must be unique and a connector is required.
func (m *Manager) Register(desc ServiceDescriptor) error {
	if desc.Name == "" {
		return errors.NewValidationFailed("service descriptor has no name")
	}
	if desc.Connector == nil {
		return errors.NewValidationFailed(fmt.Sprintf("service %q has no connector", desc.Name))
	}
	if desc.FallbackID == "" {
		desc.FallbackID = errors.PlanFor(errors.KindConnectionFailed).FallbackID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.services[desc.Name]; exists {
		return errors.NewConfigurationMismatch("service", fmt.Sprintf("service %q already registered", desc.Name))
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig(desc.Name)
	breakerCfg.Timeout = m.config.BreakerTimeout
	breakerCfg.Logger = m.logger
	threshold := m.config.BreakerFailures
	breakerCfg.ReadyToTrip = func(counts resilience.Counts) bool {
		return counts.ConsecutiveFailures >= threshold
	}

	m.services[desc.Name] = &service{
		desc:    desc,
		breaker: resilience.NewCircuitBreaker(breakerCfg),
	}

	level := resilience.LevelPartial
	if desc.Essential {
		level = resilience.LevelSevere
	}
	m.degradation.RegisterService(desc.Name, level, desc.Essential)

	m.logger.Debug("Service registered",
		"service", desc.Name,
		"essential", desc.Essential,
		"fallback_id", desc.FallbackID,
	)
	return nil
}

// RegisterFallback installs the responder used by fallbacks named id
func (m *Manager) RegisterFallback(id string, responder Responder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks[id] = responder
}

// Services returns the registered service names in sorted order
func (m *Manager) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetServer returns a usable connection for name. A fresh cached connection
// is reused; otherwise a new one is opened with retries. The result is the
// real connection only if the service's health check passes, and the
// registered fallback in every other case. An error is returned only for
// unregistered names.
func (m *Manager) GetServer(ctx context.Context, name string) (Connection, error) {
	svc, ok := m.lookup(name)
	if !ok {
		return nil, errors.NewConfigurationMismatch("service", fmt.Sprintf("unknown service %q", name))
	}

	ctx, span := tracing.Start(ctx, "connection.get_server", attribute.String("service", name))

	conn := m.cached(name)
	if conn == nil {
		conn = m.open(ctx, svc)
	}
	if conn == nil {
		span.SetAttributes(attribute.String("connection.kind", string(KindFallback)))
		tracing.End(span, nil)
		return m.fallbackFor(svc), nil
	}

	check := m.checkHealth(ctx, svc)
	if !check.Healthy() {
		m.logUnhealthy(svc, check.Reason())
		m.evict(name, conn)
		span.SetAttributes(attribute.String("connection.kind", string(KindFallback)))
		tracing.End(span, nil)
		return m.fallbackFor(svc), nil
	}

	span.SetAttributes(attribute.String("connection.kind", string(KindReal)))
	tracing.End(span, nil)
	return conn, nil
}

// Call runs operation on name. A failing real connection is evicted and the
// call is answered by the service's fallback, so the result is degraded
// rather than an error in every recoverable case.
func (m *Manager) Call(ctx context.Context, name, operation string, params map[string]interface{}) (resilience.Result, error) {
	conn, err := m.GetServer(ctx, name)
	if err != nil {
		return resilience.Result{Success: false, Error: err, Method: resilience.MethodDirect}, err
	}
	if conn.Kind() == KindFallback {
		return conn.Execute(ctx, operation, params)
	}

	svc, _ := m.lookup(name)
	fallback := m.fallbackFor(svc)
	fields := map[string]interface{}{"service": name, "operation": operation}

	res, err := m.boundary.Execute(ctx,
		func(ctx context.Context) (interface{}, error) {
			r, err := conn.Execute(ctx, operation, params)
			if err != nil {
				// a rejected request says nothing about the connection
				if !errors.IsKind(err, errors.KindValidationFailed) {
					m.evict(name, conn.(*RealConnection))
				}
				if _, ok := errors.As(err); ok {
					return nil, err
				}
				return nil, errors.Wrap(errors.KindConnectionFailed, err,
					fmt.Sprintf("%s.%s failed", name, operation), fields)
			}
			return r.Data, nil
		},
		func(ctx context.Context) (interface{}, error) {
			r, _ := fallback.Execute(ctx, operation, params)
			return r.Data, nil
		},
		resilience.WithOperationName(name+"."+operation),
		resilience.WithContext(fields),
	)
	if res.Method == resilience.MethodFallback && res.Success {
		res.Message = fallback.Message()
	}
	return res, err
}

// Sweep health-checks every registered service concurrently. Cached
// connections of unhealthy services are closed so the next GetServer opens a
// fresh one.
func (m *Manager) Sweep(ctx context.Context) {
	ctx, span := tracing.Start(ctx, "connection.sweep")
	defer tracing.End(span, nil)

	m.mu.RLock()
	services := make([]*service, 0, len(m.services))
	for _, svc := range m.services {
		services = append(services, svc)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.SweepConcurrency)
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			m.sweepService(gctx, svc)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.lastSweep = m.now()
	m.mu.Unlock()

	h := m.GetSystemHealth()
	if m.observer != nil {
		m.observer.UpdateHealthRatios(h.OverallHealthRatio, h.EssentialHealthRatio)
	}
	m.logger.Info("Health sweep completed",
		"services", len(services),
		"overall_health_ratio", h.OverallHealthRatio,
		"essential_health_ratio", h.EssentialHealthRatio,
		"degradation_level", h.DegradationLevel.String(),
	)
}

func (m *Manager) sweepService(ctx context.Context, svc *service) {
	name := svc.desc.Name
	check := m.checkHealth(ctx, svc)
	if check.Healthy() {
		return
	}

	if conn := m.cached(name); conn != nil {
		m.evict(name, conn)
	}
	if m.degradation.IsServiceHealthy(name) {
		m.logger.Debug("Health check failed below threshold",
			"service", name,
			"reason", check.Reason(),
		)
		return
	}
	m.logUnhealthy(svc, check.Reason())

	if svc.desc.Essential && m.hook != nil && svc.outage.CompareAndSwap(false, true) {
		m.runHook(ctx, name, check.Reason())
	}
}

// ReconnectAll drops every cached connection, closes the breakers and runs a
// sweep immediately.
func (m *Manager) ReconnectAll(ctx context.Context) SystemHealth {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*RealConnection)
	for _, svc := range m.services {
		svc.breaker.Reset()
	}
	m.mu.Unlock()

	for name, conn := range conns {
		m.closeConn(name, conn)
	}
	m.logger.Info("Connection cache cleared", "closed", len(conns))

	m.Sweep(ctx)
	return m.GetSystemHealth()
}

// GetSystemHealth reads the health recorded by the last checks
func (m *Manager) GetSystemHealth() SystemHealth {
	records := m.degradation.GetAllServiceHealth()

	m.mu.RLock()
	defer m.mu.RUnlock()

	h := SystemHealth{
		OverallHealthRatio:   1,
		EssentialHealthRatio: 1,
		Services:             make(map[string]ServiceStatus, len(m.services)),
		ConnectionCacheSize:  len(m.conns),
		DegradationLevel:     m.degradation.GetCurrentDegradationLevel(),
		LastSweep:            m.lastSweep,
	}

	var healthy, essential, essentialHealthy int
	for name, svc := range m.services {
		st := ServiceStatus{
			Name:       name,
			Essential:  svc.desc.Essential,
			Healthy:    true,
			FallbackID: svc.desc.FallbackID,
			Breaker:    svc.breaker.State().String(),
		}
		_, st.Connected = m.conns[name]
		if rec, ok := records[name]; ok {
			st.Healthy = rec.Healthy
			st.LastCheck = rec.LastCheck
			st.ErrorCount = rec.ErrorCount
			st.ResponseTime = rec.ResponseTime
			st.Message = rec.Message
		}
		h.Services[name] = st

		if st.Healthy {
			healthy++
		}
		if st.Essential {
			essential++
			if st.Healthy {
				essentialHealthy++
			}
		}
	}

	if n := len(m.services); n > 0 {
		h.OverallHealthRatio = float64(healthy) / float64(n)
	}
	if essential > 0 {
		h.EssentialHealthRatio = float64(essentialHealthy) / float64(essential)
	}
	return h
}

// Start runs Sweep every HealthInterval until Stop or ctx is done
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})

	go m.sweepLoop(ctx, m.stopCh, m.done)
}

// Stop halts the sweep loop and waits for it to exit
func (m *Manager) Stop() {
	m.loopMu.Lock()
	if !m.running {
		m.loopMu.Unlock()
		return
	}
	close(m.stopCh)
	done := m.done
	m.running = false
	m.loopMu.Unlock()

	<-done
}

// Close stops the sweep loop and closes every cached connection
func (m *Manager) Close() {
	m.Stop()

	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*RealConnection)
	m.mu.Unlock()

	for name, conn := range conns {
		m.closeConn(name, conn)
	}
}

func (m *Manager) sweepLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

func (m *Manager) lookup(name string) (*service, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[name]
	return svc, ok
}

// cached returns the cached connection for name if it is younger than the TTL.
// A stale connection is closed and removed.
func (m *Manager) cached(name string) *RealConnection {
	m.mu.Lock()
	conn, ok := m.conns[name]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if m.now().Sub(conn.CreatedAt()) < m.config.ConnectionTTL {
		m.mu.Unlock()
		return conn
	}
	delete(m.conns, name)
	m.mu.Unlock()

	m.logger.Debug("Cached connection expired", "service", name)
	m.closeConn(name, conn)
	return nil
}

// open creates a connection through the boundary. It returns nil when every
// attempt failed; the faults have been recorded by then.
func (m *Manager) open(ctx context.Context, svc *service) *RealConnection {
	name := svc.desc.Name

	lock, _ := m.dialMu.LoadOrStore(name, &sync.Mutex{})
	lock.(*sync.Mutex).Lock()
	defer lock.(*sync.Mutex).Unlock()

	// another caller may have connected while we waited
	if conn := m.cached(name); conn != nil {
		return conn
	}

	res, _ := m.boundary.Execute(ctx,
		func(ctx context.Context) (interface{}, error) {
			return m.connect(ctx, svc)
		},
		nil,
		resilience.WithOperationName("connection.open"),
		resilience.WithContext(map[string]interface{}{"service": name}),
	)
	if !res.Success {
		m.logger.Warn("Unable to connect, using fallback",
			"service", name,
			"fallback_id", svc.desc.FallbackID,
			"essential", svc.desc.Essential,
		)
		return nil
	}

	conn, ok := res.Data.(*RealConnection)
	if !ok {
		return nil
	}

	m.mu.Lock()
	m.conns[name] = conn
	m.mu.Unlock()
	return conn
}

// connect makes up to MaxRetries+1 attempts. Every failed attempt is recorded
// by the boundary as a connection fault; the last one through Execute and the
// rest through Report.
func (m *Manager) connect(ctx context.Context, svc *service) (*RealConnection, error) {
	name := svc.desc.Name
	policy := m.config.Backoff()
	if svc.desc.Backoff != nil {
		policy = *svc.desc.Backoff
	}
	timeout := m.config.AttemptTimeout
	if svc.desc.AttemptTimeout > 0 {
		timeout = svc.desc.AttemptTimeout
	}

	retryCfg := resilience.RetryConfigFromPolicy(policy, m.config.MaxRetries)
	retryCfg.Sleep = m.sleep
	retryCfg.Logger = m.logger
	retryCfg.OnRetry = func(ctx context.Context, attempt int, err error, delay time.Duration) {
		m.boundary.Report(ctx, err, map[string]interface{}{
			"service": name,
			"attempt": attempt,
			"delay":   delay.String(),
		})
	}
	op := resilience.NewRetryableOperation(svc.breaker, resilience.NewRetrier(retryCfg))

	attempt := 0
	v, err := op.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		client, err := m.dial(actx, svc)
		if err != nil {
			m.observeAttempt(name, "failure")
			return nil, errors.Wrap(errors.KindConnectionFailed, err,
				fmt.Sprintf("connect to %s failed: %v", name, err),
				map[string]interface{}{"service": name, "attempt": attempt})
		}
		m.observeAttempt(name, "success")
		return client, nil
	})
	if err != nil {
		if resilience.IsCircuitBreakerError(err) {
			m.observeAttempt(name, "rejected")
			return nil, errors.Wrap(errors.KindConnectionFailed, err,
				fmt.Sprintf("connect to %s rejected: %v", name, err),
				map[string]interface{}{"service": name})
		}
		return nil, err
	}

	m.logger.Info("Service connected", "service", name, "attempts", attempt)
	return newRealConnection(name, v.(Client), m.now()), nil
}

func (m *Manager) dial(ctx context.Context, svc *service) (client Client, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.LogPanic(ctx, r, "Recovered panic in service connector")
			err = fmt.Errorf("connector panicked: %v", r)
		}
	}()

	client, err = svc.desc.Connector(ctx)
	if err == nil && client == nil {
		err = fmt.Errorf("connector returned no client")
	}
	return client, err
}

// checkHealth runs the descriptor's health check and records the outcome
func (m *Manager) checkHealth(ctx context.Context, svc *service) *health.Check {
	name := svc.desc.Name
	checker := svc.desc.HealthCheck
	if checker == nil {
		checker = health.CheckerFunc(func(ctx context.Context) *health.Check {
			return &health.Check{Name: name, Status: health.StatusHealthy, Message: "no health check configured"}
		})
	}

	check := health.Run(ctx, name, checker, m.config.HealthTimeout)
	m.degradation.UpdateServiceHealth(name, check.Healthy(), check.Duration, check.Reason())
	if check.Healthy() {
		svc.outage.Store(false)
	}
	if m.observer != nil {
		m.observer.ObserveServiceHealth(name, svc.desc.Essential, check.Healthy())
	}
	return check
}

func (m *Manager) logUnhealthy(svc *service, reason string) {
	if svc.desc.Essential {
		m.logger.Warn("Essential service unhealthy",
			"service", svc.desc.Name,
			"fallback_id", svc.desc.FallbackID,
			"reason", reason,
		)
		return
	}
	m.logger.Info("Optional service unhealthy",
		"service", svc.desc.Name,
		"fallback_id", svc.desc.FallbackID,
		"reason", reason,
	)
}

func (m *Manager) runHook(ctx context.Context, name, reason string) {
	defer func() {
		if r := recover(); r != nil {
			m.boundary.Report(ctx, errors.NewHookFailed("essential_failure", fmt.Errorf("panic: %v", r)),
				map[string]interface{}{"service": name})
		}
	}()
	m.hook(ctx, name, reason)
}

func (m *Manager) fallbackFor(svc *service) *FallbackConnection {
	m.mu.RLock()
	responder := m.fallbacks[svc.desc.FallbackID]
	m.mu.RUnlock()
	return NewFallbackConnection(svc.desc.Name, svc.desc.FallbackID, responder, m.logger)
}

// evict removes conn from the cache if it is still the cached connection
func (m *Manager) evict(name string, conn *RealConnection) {
	m.mu.Lock()
	current, ok := m.conns[name]
	if ok && current == conn {
		delete(m.conns, name)
	}
	m.mu.Unlock()

	if ok && current == conn {
		m.closeConn(name, conn)
	}
}

func (m *Manager) closeConn(name string, conn *RealConnection) {
	if err := conn.close(); err != nil {
		m.logger.Debug("Closing connection failed", "service", name, "error", err.Error())
	}
}

func (m *Manager) observeAttempt(service, outcome string) {
	if m.observer != nil {
		m.observer.ObserveConnectionAttempt(service, outcome)
	}
}
