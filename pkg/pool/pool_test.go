package pool

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/logging"
)

type worker struct {
	n       int64
	healthy bool
}

type workerFactory struct {
	created   atomic.Int64
	destroyed atomic.Int64
	fail      atomic.Bool
	delay     time.Duration
}

func (f *workerFactory) options() Options[*worker] {
	return Options[*worker]{
		Factory: func(ctx context.Context) (*worker, error) {
			if f.delay > 0 {
				time.Sleep(f.delay)
			}
			if f.fail.Load() {
				return nil, stderrors.New("spawn refused")
			}
			return &worker{n: f.created.Add(1), healthy: true}, nil
		},
		Destroy: func(w *worker) error {
			f.destroyed.Add(1)
			return nil
		},
		Validate: func(ctx context.Context, w *worker) bool { return w.healthy },
		Logger:   logging.NewNopLogger(),
	}
}

func newTestPool(t *testing.T, cfg Config, f *workerFactory) *Pool[*worker] {
	t.Helper()
	p, err := New(cfg, f.options())
	require.NoError(t, err)
	return p
}

func assertInvariant(t *testing.T, p *Pool[*worker]) {
	t.Helper()
	s := p.Stats()
	assert.LessOrEqual(t, s.Available+s.InUse+s.Pending, s.MaxSize)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(DefaultConfig("workers"), Options[int]{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidationFailed))

	cfg := DefaultConfig("workers")
	cfg.MinSize = 20
	_, err = New(cfg, Options[int]{Factory: func(ctx context.Context) (int, error) { return 1, nil }})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfigurationMismatch))
}

func TestPool_Exhaustion(t *testing.T) {
	cfg := DefaultConfig("workers")
	cfg.MaxSize = 2
	p := newTestPool(t, cfg, &workerFactory{})
	ctx := context.Background()

	r1, err := p.Acquire(ctx)
	require.NoError(t, err)
	r2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, r1.ID(), r2.ID())

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindResourceExhausted))

	stats := p.Stats()
	assert.Equal(t, 2, stats.InUse)
	assert.Equal(t, uint64(1), stats.Exhausted)
	assertInvariant(t, p)
}

func TestPool_ReleaseAndReuse(t *testing.T) {
	cfg := DefaultConfig("workers")
	cfg.MaxSize = 4
	f := &workerFactory{}
	p := newTestPool(t, cfg, f)
	ctx := context.Background()

	r, err := p.Acquire(ctx)
	require.NoError(t, err)
	first := r.ID()
	p.Release(r)

	r, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, r.ID())
	assert.Equal(t, int64(2), r.UsageCount())
	assert.False(t, r.LastAcquiredAt().Before(r.CreatedAt()))
	assert.Equal(t, int64(1), f.created.Load())

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Acquisitions)
	assert.Equal(t, uint64(1), stats.Reuses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestPool_ReleaseDestroysAboveHalfCapacity(t *testing.T) {
	cfg := DefaultConfig("workers")
	cfg.MaxSize = 4
	f := &workerFactory{}
	p := newTestPool(t, cfg, f)
	ctx := context.Background()

	var held []*Resource[*worker]
	for i := 0; i < 4; i++ {
		r, err := p.Acquire(ctx)
		require.NoError(t, err)
		held = append(held, r)
	}
	for _, r := range held {
		p.Release(r)
		assertInvariant(t, p)
	}

	stats := p.Stats()
	assert.Equal(t, 2, stats.Available)
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, int64(2), f.destroyed.Load())
}

func TestPool_ReleaseKeepsUnderHalfCapacity(t *testing.T) {
	tests := []struct {
		name     string
		maxSize  int
		minSize  int
		wantIdle int
	}{
		{"single slot", 1, 0, 1},
		{"three slots", 3, 0, 2},
		{"five slots", 5, 0, 3},
		{"six slots", 6, 0, 3},
		{"min size above half", 4, 3, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("workers")
			cfg.MaxSize = tt.maxSize
			cfg.MinSize = tt.minSize
			f := &workerFactory{}
			p := newTestPool(t, cfg, f)
			ctx := context.Background()

			var held []*Resource[*worker]
			for i := 0; i < tt.maxSize; i++ {
				r, err := p.Acquire(ctx)
				require.NoError(t, err)
				held = append(held, r)
			}
			for _, r := range held {
				p.Release(r)
				assertInvariant(t, p)
			}

			stats := p.Stats()
			assert.Equal(t, tt.wantIdle, stats.Available)
			assert.Equal(t, int64(tt.maxSize-tt.wantIdle), f.destroyed.Load())
		})
	}
}

func TestPool_SingleSlotReuses(t *testing.T) {
	cfg := DefaultConfig("workers")
	cfg.MaxSize = 1
	f := &workerFactory{}
	p := newTestPool(t, cfg, f)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r, err := p.Acquire(ctx)
		require.NoError(t, err)
		p.Release(r)
	}

	stats := p.Stats()
	assert.Equal(t, int64(1), f.created.Load())
	assert.Equal(t, int64(0), f.destroyed.Load())
	assert.Equal(t, uint64(2), stats.Reuses)
	assert.Equal(t, 1, stats.Available)
}

func TestPool_ReleaseUntrackedIsNoop(t *testing.T) {
	cfg := DefaultConfig("workers")
	cfg.MaxSize = 4
	p := newTestPool(t, cfg, &workerFactory{})
	other := newTestPool(t, cfg, &workerFactory{})
	ctx := context.Background()

	r, err := p.Acquire(ctx)
	require.NoError(t, err)
	foreign, err := other.Acquire(ctx)
	require.NoError(t, err)

	before := p.Stats()
	p.Release(foreign)
	p.Release(nil)
	assert.Equal(t, before, p.Stats())

	p.Release(r)
	afterFirst := p.Stats()
	p.Release(r)
	assert.Equal(t, afterFirst, p.Stats())
	assert.Equal(t, 1, afterFirst.Available)
	assertInvariant(t, p)
}

func TestPool_ValidateOnAcquire(t *testing.T) {
	cfg := DefaultConfig("workers")
	cfg.MaxSize = 4
	cfg.ValidateOnAcquire = true
	f := &workerFactory{}
	p := newTestPool(t, cfg, f)
	ctx := context.Background()

	r, err := p.Acquire(ctx)
	require.NoError(t, err)
	r.Value().healthy = false
	p.Release(r)

	r2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, r.ID(), r2.ID())
	assert.True(t, r2.Value().healthy)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.ValidationFailures)
	assert.Equal(t, int64(1), f.destroyed.Load())
	assert.Equal(t, 1, stats.InUse)
}

func TestPool_FactoryFailure(t *testing.T) {
	f := &workerFactory{}
	f.fail.Store(true)
	p := newTestPool(t, DefaultConfig("workers"), f)

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindLifecycleSpawnFailed))

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.FactoryFailures)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.InUse)
}

func TestPool_FactoryPanicIsRecovered(t *testing.T) {
	p, err := New(DefaultConfig("workers"), Options[int]{
		Factory: func(ctx context.Context) (int, error) { panic("bad factory") },
		Logger:  logging.NewNopLogger(),
	})
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad factory")
	assert.Zero(t, p.Stats().Pending)
}

func TestPool_AcquireHonoursContext(t *testing.T) {
	p := newTestPool(t, DefaultConfig("workers"), &workerFactory{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool_MaintainEvictsIdleAboveMinSize(t *testing.T) {
	cfg := DefaultConfig("workers")
	cfg.MaxSize = 10
	cfg.MinSize = 1
	cfg.IdleTimeout = time.Millisecond
	f := &workerFactory{}
	p := newTestPool(t, cfg, f)
	ctx := context.Background()

	var held []*Resource[*worker]
	for i := 0; i < 4; i++ {
		r, err := p.Acquire(ctx)
		require.NoError(t, err)
		held = append(held, r)
	}
	for _, r := range held {
		p.Release(r)
	}
	require.Equal(t, 4, p.Stats().Available)

	time.Sleep(5 * time.Millisecond)
	p.Maintain(ctx)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Available)
	assert.Equal(t, uint64(3), stats.IdleEvictions)
	assert.Equal(t, int64(3), f.destroyed.Load())
}

func TestPool_MaintainTopsUpToMinSize(t *testing.T) {
	cfg := DefaultConfig("workers")
	cfg.MaxSize = 5
	cfg.MinSize = 3
	f := &workerFactory{}
	p := newTestPool(t, cfg, f)

	p.Maintain(context.Background())
	assert.Equal(t, 3, p.Stats().Available)

	// already satisfied
	p.Maintain(context.Background())
	assert.Equal(t, int64(3), f.created.Load())
}

func TestPool_MaintainStopsOnFactoryFailure(t *testing.T) {
	cfg := DefaultConfig("workers")
	cfg.MaxSize = 5
	cfg.MinSize = 3
	f := &workerFactory{}
	f.fail.Store(true)
	p := newTestPool(t, cfg, f)

	p.Maintain(context.Background())
	stats := p.Stats()
	assert.Zero(t, stats.Available)
	assert.Equal(t, uint64(1), stats.FactoryFailures)
}

func TestPool_MaintainRespectsMaxSize(t *testing.T) {
	cfg := DefaultConfig("workers")
	cfg.MaxSize = 3
	cfg.MinSize = 3
	p := newTestPool(t, cfg, &workerFactory{})
	ctx := context.Background()

	_, err := p.Acquire(ctx)
	require.NoError(t, err)
	_, err = p.Acquire(ctx)
	require.NoError(t, err)

	p.Maintain(ctx)
	stats := p.Stats()
	assert.Equal(t, 1, stats.Available)
	assert.Equal(t, 2, stats.InUse)
	assertInvariant(t, p)
}

func TestPool_InvariantUnderConcurrency(t *testing.T) {
	cfg := DefaultConfig("workers")
	cfg.MaxSize = 5
	cfg.ValidateOnAcquire = true
	f := &workerFactory{delay: time.Millisecond}
	p := newTestPool(t, cfg, f)
	ctx := context.Background()

	var wg sync.WaitGroup
	var violations atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				r, err := p.Acquire(ctx)
				s := p.Stats()
				if s.Available+s.InUse+s.Pending > s.MaxSize {
					violations.Add(1)
				}
				if err != nil {
					continue
				}
				p.Release(r)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, violations.Load())
	stats := p.Stats()
	assert.Zero(t, stats.InUse)
	assert.Zero(t, stats.Pending)
	assert.LessOrEqual(t, 2*(stats.Available-1), cfg.MaxSize)
	assert.Equal(t, stats.Created-stats.Destroyed, uint64(stats.Available))
}

func TestPool_StartStop(t *testing.T) {
	cfg := DefaultConfig("workers")
	cfg.MaxSize = 4
	cfg.MinSize = 2
	cfg.MaintenanceInterval = 10 * time.Millisecond
	p := newTestPool(t, cfg, &workerFactory{})

	p.Start(context.Background())
	p.Start(context.Background())

	assert.Eventually(t, func() bool {
		return p.Stats().Available == 2
	}, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Stop()
}

func TestPool_Close(t *testing.T) {
	cfg := DefaultConfig("workers")
	cfg.MaxSize = 4
	f := &workerFactory{}
	p := newTestPool(t, cfg, f)
	ctx := context.Background()

	idle, err := p.Acquire(ctx)
	require.NoError(t, err)
	held, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(idle)

	require.NoError(t, p.Close(ctx))
	assert.Equal(t, int64(1), f.destroyed.Load())

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindResourceExhausted))

	p.Release(held)
	assert.Equal(t, int64(2), f.destroyed.Load())
	assert.Zero(t, p.Stats().Available)

	require.NoError(t, p.Close(ctx))
}
