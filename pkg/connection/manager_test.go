package connection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/health"
	"github.com/NikhilSetiya/agentcore/pkg/logging"
	"github.com/NikhilSetiya/agentcore/pkg/resilience"
)

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClient struct {
	callErr error
	closed  atomic.Bool
}

func (c *fakeClient) Call(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
	if c.callErr != nil {
		return nil, c.callErr
	}
	return "memory:" + op, nil
}

func (c *fakeClient) Close() error {
	c.closed.Store(true)
	return nil
}

// fakeServer hands out clients, failing the first failures attempts
type fakeServer struct {
	mu       sync.Mutex
	failures int
	attempts int
	clients  []*fakeClient
	panics   bool
}

func (s *fakeServer) connect(ctx context.Context) (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	if s.panics {
		panic("connector exploded")
	}
	if s.failures < 0 || s.attempts <= s.failures {
		return nil, fmt.Errorf("connection refused")
	}
	c := &fakeClient{}
	s.clients = append(s.clients, c)
	return c, nil
}

func (s *fakeServer) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *fakeServer) lastClient() *fakeClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) == 0 {
		return nil
	}
	return s.clients[len(s.clients)-1]
}

type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *recordingSleep) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type switchChecker struct {
	healthy atomic.Bool
	checks  atomic.Int32
}

func newSwitchChecker(healthy bool) *switchChecker {
	c := &switchChecker{}
	c.healthy.Store(healthy)
	return c
}

func (c *switchChecker) Check(ctx context.Context) *health.Check {
	c.checks.Add(1)
	if c.healthy.Load() {
		return &health.Check{Status: health.StatusHealthy, Message: "ok"}
	}
	return &health.Check{Status: health.StatusUnhealthy, Error: "ping failed"}
}

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	mu       sync.Mutex
	attempts map[string]int
	health   map[string]bool
	overall  float64
	ess      float64
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{attempts: make(map[string]int), health: make(map[string]bool)}
}

func (o *recordingObserver) ObserveConnectionAttempt(service, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts[service+"/"+outcome]++
}

func (o *recordingObserver) ObserveServiceHealth(service string, essential, healthy bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.health[service] = healthy
}

func (o *recordingObserver) UpdateHealthRatios(overall, essential float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.overall, o.ess = overall, essential
}

type testEnv struct {
	manager  *Manager
	boundary *resilience.Boundary
	sleeper  *recordingSleep
	clock    *mockClock
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) *testEnv {
	t.Helper()

	logger := logging.NewNopLogger()
	env := &testEnv{
		boundary: resilience.NewBoundary(resilience.DefaultBoundaryConfig(), resilience.WithLogger(logger)),
		sleeper:  &recordingSleep{},
		clock:    &mockClock{now: fixedNow},
	}
	opts = append([]Option{
		WithLogger(logger),
		WithSleep(env.sleeper.Sleep),
		WithClock(env.clock.Now),
	}, opts...)
	env.manager = NewManager(cfg, env.boundary, opts...)
	return env
}

func TestManager_Register(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	srv := &fakeServer{}

	err := env.manager.Register(ServiceDescriptor{Name: "", Connector: srv.connect})
	assert.True(t, errors.IsKind(err, errors.KindValidationFailed))

	err = env.manager.Register(ServiceDescriptor{Name: "memory"})
	assert.True(t, errors.IsKind(err, errors.KindValidationFailed))

	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "memory", Connector: srv.connect}))
	err = env.manager.Register(ServiceDescriptor{Name: "memory", Connector: srv.connect})
	assert.True(t, errors.IsKind(err, errors.KindConfigurationMismatch))

	assert.Equal(t, []string{"memory"}, env.manager.Services())
	assert.Equal(t, "offline", env.manager.GetSystemHealth().Services["memory"].FallbackID)
}

func TestManager_GetServer_UnknownService(t *testing.T) {
	env := newTestManager(t, DefaultConfig())

	conn, err := env.manager.GetServer(context.Background(), "nope")
	assert.Nil(t, conn)
	assert.True(t, errors.IsKind(err, errors.KindConfigurationMismatch))

	_, err = env.manager.Call(context.Background(), "nope", "read", nil)
	assert.Error(t, err)
}

func TestManager_GetServer_ReusesCachedConnection(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	srv := &fakeServer{}
	checker := newSwitchChecker(true)
	require.NoError(t, env.manager.Register(ServiceDescriptor{
		Name:        "memory",
		Connector:   srv.connect,
		HealthCheck: checker,
	}))

	first, err := env.manager.GetServer(context.Background(), "memory")
	require.NoError(t, err)
	assert.Equal(t, KindReal, first.Kind())

	second, err := env.manager.GetServer(context.Background(), "memory")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, srv.attemptCount())
	assert.Equal(t, int32(2), checker.checks.Load(), "health is checked on every use")
	assert.Equal(t, 1, env.manager.GetSystemHealth().ConnectionCacheSize)
}

func TestManager_GetServer_ConnectionTTL(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	srv := &fakeServer{}
	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "memory", Connector: srv.connect}))

	_, err := env.manager.GetServer(context.Background(), "memory")
	require.NoError(t, err)
	old := srv.lastClient()

	env.clock.Advance(59 * time.Second)
	_, err = env.manager.GetServer(context.Background(), "memory")
	require.NoError(t, err)
	assert.Equal(t, 1, srv.attemptCount())

	env.clock.Advance(2 * time.Second)
	_, err = env.manager.GetServer(context.Background(), "memory")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.attemptCount())
	assert.True(t, old.closed.Load(), "stale connection must be closed")
}

func TestManager_GetServer_BackoffSchedule(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	srv := &fakeServer{failures: -1}
	require.NoError(t, env.manager.Register(ServiceDescriptor{
		Name:       "memory",
		Essential:  true,
		FallbackID: "memory-offline",
		Connector:  srv.connect,
	}))

	conn, err := env.manager.GetServer(context.Background(), "memory")
	require.NoError(t, err)
	assert.Equal(t, KindFallback, conn.Kind())

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, env.sleeper.recorded())
	assert.Equal(t, 4, srv.attemptCount())

	stats := env.boundary.GetErrorStats()
	assert.Equal(t, 4, stats.ByKind[errors.KindConnectionFailed], "one fault per failed attempt")
	assert.Equal(t, 4, stats.TotalFaults)

	res, err := conn.Execute(context.Background(), "read", nil)
	require.NoError(t, err)
	assert.Equal(t, "memory unavailable, using memory-offline", res.Message)
}

func TestManager_GetServer_DelaysAreCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 5
	cfg.BreakerFailures = 100
	env := newTestManager(t, cfg)
	srv := &fakeServer{failures: -1}
	require.NoError(t, env.manager.Register(ServiceDescriptor{
		Name:      "memory",
		Connector: srv.connect,
	}))

	_, err := env.manager.GetServer(context.Background(), "memory")
	require.NoError(t, err)

	delays := env.sleeper.recorded()
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}, delays)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
		assert.LessOrEqual(t, delays[i], 10*time.Second)
	}
}

func TestManager_GetServer_RecoversAfterRetries(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	srv := &fakeServer{failures: 2}
	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "memory", Connector: srv.connect}))

	conn, err := env.manager.GetServer(context.Background(), "memory")
	require.NoError(t, err)
	assert.Equal(t, KindReal, conn.Kind())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, env.sleeper.recorded())
	assert.Equal(t, 2, env.boundary.GetErrorStats().TotalFaults)
}

func TestManager_GetServer_UnhealthyUsesFallback(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	srv := &fakeServer{}
	checker := newSwitchChecker(false)
	require.NoError(t, env.manager.Register(ServiceDescriptor{
		Name:        "reasoning",
		FallbackID:  "heuristics",
		Connector:   srv.connect,
		HealthCheck: checker,
	}))
	env.manager.RegisterFallback("heuristics", func(ctx context.Context, op string, params map[string]interface{}) (interface{}, error) {
		return "rule-of-thumb answer", nil
	})

	conn, err := env.manager.GetServer(context.Background(), "reasoning")
	require.NoError(t, err)
	assert.Equal(t, KindFallback, conn.Kind())
	assert.True(t, srv.lastClient().closed.Load())
	assert.Zero(t, env.manager.GetSystemHealth().ConnectionCacheSize)

	res, err := conn.Execute(context.Background(), "think", nil)
	require.NoError(t, err)
	assert.Equal(t, "rule-of-thumb answer", res.Data)

	checker.healthy.Store(true)
	conn, err = env.manager.GetServer(context.Background(), "reasoning")
	require.NoError(t, err)
	assert.Equal(t, KindReal, conn.Kind())
}

func TestManager_GetServer_ConnectorPanic(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	srv := &fakeServer{panics: true}
	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "memory", Connector: srv.connect}))

	var conn Connection
	require.NotPanics(t, func() {
		var err error
		conn, err = env.manager.GetServer(context.Background(), "memory")
		require.NoError(t, err)
	})
	assert.Equal(t, KindFallback, conn.Kind())
}

func TestManager_GetServer_BreakerStopsAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakerFailures = 2
	env := newTestManager(t, cfg)
	srv := &fakeServer{failures: -1}
	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "memory", Connector: srv.connect}))

	conn, err := env.manager.GetServer(context.Background(), "memory")
	require.NoError(t, err)
	assert.Equal(t, KindFallback, conn.Kind())
	assert.Equal(t, 2, srv.attemptCount())

	_, err = env.manager.GetServer(context.Background(), "memory")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.attemptCount(), "open breaker must reject without dialing")
	assert.Equal(t, resilience.StateOpen.String(), env.manager.GetSystemHealth().Services["memory"].Breaker)

	srv.mu.Lock()
	srv.failures = 0
	srv.mu.Unlock()
	env.manager.ReconnectAll(context.Background())

	conn, err = env.manager.GetServer(context.Background(), "memory")
	require.NoError(t, err)
	assert.Equal(t, KindReal, conn.Kind())
}

func TestManager_GetServer_PerAttemptTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	env := newTestManager(t, cfg)

	var sawDeadline atomic.Int32
	require.NoError(t, env.manager.Register(ServiceDescriptor{
		Name:           "slow",
		AttemptTimeout: 20 * time.Millisecond,
		Connector: func(ctx context.Context) (Client, error) {
			<-ctx.Done()
			sawDeadline.Add(1)
			return nil, ctx.Err()
		},
	}))

	conn, err := env.manager.GetServer(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, KindFallback, conn.Kind())
	assert.Equal(t, int32(2), sawDeadline.Load())
}

func TestManager_Call(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	srv := &fakeServer{}
	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "memory", Connector: srv.connect}))

	res, err := env.manager.Call(context.Background(), "memory", "read", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, resilience.MethodDirect, res.Method)
	assert.Equal(t, "memory:read", res.Data)

	srv.lastClient().callErr = fmt.Errorf("broken pipe")
	res, err = env.manager.Call(context.Background(), "memory", "read", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Degraded)
	assert.Equal(t, resilience.MethodFallback, res.Method)
	assert.Equal(t, "memory unavailable, using offline", res.Message)
	assert.Equal(t, errors.KindConnectionFailed, res.Fault.Kind)
	assert.Zero(t, env.manager.GetSystemHealth().ConnectionCacheSize, "failed connection is evicted")

	res, err = env.manager.Call(context.Background(), "memory", "read", nil)
	require.NoError(t, err)
	assert.Equal(t, resilience.MethodDirect, res.Method)
	assert.Equal(t, 2, srv.attemptCount())
}

func TestManager_Call_BlockingFaultSurfaces(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	srv := &fakeServer{}
	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "memory", Connector: srv.connect}))

	_, err := env.manager.GetServer(context.Background(), "memory")
	require.NoError(t, err)
	srv.lastClient().callErr = errors.NewValidationFailed("path escapes sandbox")

	res, err := env.manager.Call(context.Background(), "memory", "write", nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidationFailed))
	assert.Equal(t, resilience.MethodSafeguards, res.Method)
	assert.Equal(t, 1, env.manager.GetSystemHealth().ConnectionCacheSize, "rejected requests keep the connection")
}

func TestManager_Sweep_EssentialHealthRatio(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UnhealthyThreshold = 3
	observer := newRecordingObserver()

	var hookCalls []string
	var hookMu sync.Mutex
	hook := func(ctx context.Context, service, message string) {
		hookMu.Lock()
		defer hookMu.Unlock()
		hookCalls = append(hookCalls, service+": "+message)
	}

	env := newTestManager(t, cfg, WithObserver(observer), WithEssentialFailureHook(hook))
	srv := &fakeServer{}
	failing := newSwitchChecker(false)

	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "memory", Essential: true, Connector: srv.connect, HealthCheck: failing}))
	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "filesystem", Essential: true, Connector: srv.connect, HealthCheck: newSwitchChecker(true)}))
	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "reasoning", Connector: srv.connect, HealthCheck: newSwitchChecker(true)}))

	before := env.manager.GetSystemHealth()
	assert.Equal(t, 1.0, before.EssentialHealthRatio)
	assert.Equal(t, 1.0, before.OverallHealthRatio)
	assert.True(t, before.LastSweep.IsZero())

	env.manager.Sweep(context.Background())
	env.manager.Sweep(context.Background())
	assert.Equal(t, 1.0, env.manager.GetSystemHealth().EssentialHealthRatio, "below threshold")

	env.manager.Sweep(context.Background())
	after := env.manager.GetSystemHealth()
	assert.Less(t, after.EssentialHealthRatio, before.EssentialHealthRatio)
	assert.InDelta(t, 0.5, after.EssentialHealthRatio, 0.001)
	assert.InDelta(t, 2.0/3.0, after.OverallHealthRatio, 0.001)
	assert.False(t, after.Services["memory"].Healthy)
	assert.Equal(t, 3, after.Services["memory"].ErrorCount)
	assert.Equal(t, "ping failed", after.Services["memory"].Message)
	assert.Equal(t, resilience.LevelSevere, after.DegradationLevel)
	assert.Equal(t, fixedNow, after.LastSweep)

	hookMu.Lock()
	assert.Equal(t, []string{"memory: ping failed"}, hookCalls)
	hookMu.Unlock()

	observer.mu.Lock()
	assert.InDelta(t, 0.5, observer.ess, 0.001)
	assert.False(t, observer.health["memory"])
	assert.True(t, observer.health["filesystem"])
	observer.mu.Unlock()
}

func TestManager_Sweep_HookRunsOncePerOutage(t *testing.T) {
	var calls atomic.Int32
	env := newTestManager(t, DefaultConfig(), WithEssentialFailureHook(func(ctx context.Context, service, message string) {
		calls.Add(1)
	}))
	srv := &fakeServer{}
	checker := newSwitchChecker(false)
	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "memory", Essential: true, Connector: srv.connect, HealthCheck: checker}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.manager.Sweep(ctx)
	}
	assert.Equal(t, int32(1), calls.Load(), "one call while the outage lasts")

	checker.healthy.Store(true)
	env.manager.Sweep(ctx)
	assert.True(t, env.manager.GetSystemHealth().Services["memory"].Healthy)

	checker.healthy.Store(false)
	env.manager.Sweep(ctx)
	env.manager.Sweep(ctx)
	assert.Equal(t, int32(2), calls.Load(), "a new outage runs the hook again")
}

func TestManager_Sweep_OptionalServiceDoesNotRunHook(t *testing.T) {
	var calls atomic.Int32
	env := newTestManager(t, DefaultConfig(), WithEssentialFailureHook(func(ctx context.Context, service, message string) {
		calls.Add(1)
	}))
	srv := &fakeServer{}
	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "reasoning", Connector: srv.connect, HealthCheck: newSwitchChecker(false)}))

	env.manager.Sweep(context.Background())

	h := env.manager.GetSystemHealth()
	assert.Zero(t, calls.Load())
	assert.Equal(t, 1.0, h.EssentialHealthRatio)
	assert.Equal(t, 0.0, h.OverallHealthRatio)
	assert.Equal(t, resilience.LevelCritical, h.DegradationLevel)
}

func TestManager_Sweep_PurgesUnhealthyConnections(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	srv := &fakeServer{}
	checker := newSwitchChecker(true)
	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "memory", Connector: srv.connect, HealthCheck: checker}))

	_, err := env.manager.GetServer(context.Background(), "memory")
	require.NoError(t, err)
	assert.Equal(t, 1, env.manager.GetSystemHealth().ConnectionCacheSize)

	checker.healthy.Store(false)
	env.manager.Sweep(context.Background())

	assert.Zero(t, env.manager.GetSystemHealth().ConnectionCacheSize)
	assert.True(t, srv.lastClient().closed.Load())
}

func TestManager_Sweep_HookPanicIsContained(t *testing.T) {
	env := newTestManager(t, DefaultConfig(), WithEssentialFailureHook(func(ctx context.Context, service, message string) {
		panic("pager offline")
	}))
	srv := &fakeServer{}
	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "memory", Essential: true, Connector: srv.connect, HealthCheck: newSwitchChecker(false)}))

	require.NotPanics(t, func() { env.manager.Sweep(context.Background()) })
	assert.Equal(t, 1, env.boundary.GetErrorStats().ByKind[errors.KindHookFailed])
}

func TestManager_ReconnectAll(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	srv := &fakeServer{}
	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "memory", Connector: srv.connect}))
	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "filesystem", Connector: srv.connect}))

	_, err := env.manager.GetServer(context.Background(), "memory")
	require.NoError(t, err)
	_, err = env.manager.GetServer(context.Background(), "filesystem")
	require.NoError(t, err)
	assert.Equal(t, 2, env.manager.GetSystemHealth().ConnectionCacheSize)

	h := env.manager.ReconnectAll(context.Background())
	assert.Zero(t, h.ConnectionCacheSize)
	assert.False(t, h.LastSweep.IsZero())
	for _, c := range srv.clients {
		assert.True(t, c.closed.Load())
	}
}

func TestManager_GetSystemHealth_NoServices(t *testing.T) {
	env := newTestManager(t, DefaultConfig())

	h := env.manager.GetSystemHealth()
	assert.Equal(t, 1.0, h.OverallHealthRatio)
	assert.Equal(t, 1.0, h.EssentialHealthRatio)
	assert.Empty(t, h.Services)
	assert.Equal(t, resilience.LevelNormal, h.DegradationLevel)
}

func TestManager_ObservesAttempts(t *testing.T) {
	observer := newRecordingObserver()
	env := newTestManager(t, DefaultConfig(), WithObserver(observer))
	srv := &fakeServer{failures: 1}
	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "memory", Connector: srv.connect}))

	_, err := env.manager.GetServer(context.Background(), "memory")
	require.NoError(t, err)

	observer.mu.Lock()
	defer observer.mu.Unlock()
	assert.Equal(t, 1, observer.attempts["memory/failure"])
	assert.Equal(t, 1, observer.attempts["memory/success"])
}

func TestManager_ConcurrentGetServer(t *testing.T) {
	env := newTestManager(t, DefaultConfig())
	srv := &fakeServer{}
	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "memory", Connector: srv.connect}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := env.manager.GetServer(context.Background(), "memory")
			assert.NoError(t, err)
			assert.Equal(t, KindReal, conn.Kind())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, srv.attemptCount(), "creation is serialised per service")
}

func TestManager_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HealthInterval = 5 * time.Millisecond
	env := newTestManager(t, cfg)
	env.manager.now = time.Now
	srv := &fakeServer{}
	require.NoError(t, env.manager.Register(ServiceDescriptor{Name: "memory", Connector: srv.connect}))

	env.manager.Start(context.Background())
	env.manager.Start(context.Background())
	assert.Eventually(t, func() bool {
		return !env.manager.GetSystemHealth().LastSweep.IsZero()
	}, time.Second, 5*time.Millisecond)
	env.manager.Stop()
	env.manager.Stop()

	env.manager.Start(context.Background())
	env.manager.Close()
}
