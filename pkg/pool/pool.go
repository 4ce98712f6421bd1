// Package pool provides a bounded pool of reusable, expensive-to-create
// resources with validation on acquire and idle reclamation.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/logging"
)

// Config holds pool sizing and maintenance settings
type Config struct {
	Name                string        `yaml:"name"`
	MaxSize             int           `yaml:"max_size"`
	MinSize             int           `yaml:"min_size"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	ValidateOnAcquire   bool          `yaml:"validate_on_acquire"`
}

// DefaultConfig returns the default pool configuration
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxSize:             10,
		MinSize:             0,
		IdleTimeout:         5 * time.Minute,
		MaintenanceInterval: 60 * time.Second,
	}
}

// Options supplies the resource lifecycle callbacks.
type Options[T any] struct {
	// Factory creates one resource. Required.
	Factory func(ctx context.Context) (T, error)
	// Destroy releases a resource. Optional.
	Destroy func(T) error
	// Validate reports whether a pooled resource is still usable. Only
	// consulted when ValidateOnAcquire is set.
	Validate func(ctx context.Context, v T) bool
	Logger   *logging.Logger
}

// Resource is a pooled handle. It is owned by the caller between Acquire and
// Release and must not be used after Release.
type Resource[T any] struct {
	id             string
	value          T
	createdAt      time.Time
	lastAcquiredAt time.Time
	idleSince      time.Time
	usageCount     int64
}

func (r *Resource[T]) ID() string                { return r.id }
func (r *Resource[T]) Value() T                  { return r.value }
func (r *Resource[T]) CreatedAt() time.Time      { return r.createdAt }
func (r *Resource[T]) LastAcquiredAt() time.Time { return r.lastAcquiredAt }
func (r *Resource[T]) UsageCount() int64         { return r.usageCount }

// Stats is a snapshot of pool state and lifetime counters
type Stats struct {
	Name               string  `json:"name"`
	Available          int     `json:"available"`
	InUse              int     `json:"in_use"`
	Pending            int     `json:"pending"`
	MaxSize            int     `json:"max_size"`
	MinSize            int     `json:"min_size"`
	Created            uint64  `json:"created"`
	Destroyed          uint64  `json:"destroyed"`
	Acquisitions       uint64  `json:"acquisitions"`
	Reuses             uint64  `json:"reuses"`
	Exhausted          uint64  `json:"exhausted"`
	FactoryFailures    uint64  `json:"factory_failures"`
	ValidationFailures uint64  `json:"validation_failures"`
	IdleEvictions      uint64  `json:"idle_evictions"`
	HitRate            float64 `json:"hit_rate"`
}

// Pool is a bounded pool of resources of type T.
//
// available + inUse + pending never exceeds MaxSize. Pending counts slots
// reserved for resources being created or validated outside the lock.
type Pool[T any] struct {
	config Config
	opts   Options[T]
	logger *logging.Logger

	mu        sync.Mutex
	available []*Resource[T]
	inUse     map[*Resource[T]]struct{}
	pending   int
	closed    bool

	created            uint64
	destroyed          uint64
	acquisitions       uint64
	reuses             uint64
	exhausted          uint64
	factoryFailures    uint64
	validationFailures uint64
	idleEvictions      uint64

	loopMu  sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New creates a pool. It does not pre-create resources; call Maintain or
// Start to fill up to MinSize.
func New[T any](config Config, opts Options[T]) (*Pool[T], error) {
	if opts.Factory == nil {
		return nil, errors.NewValidationFailed("pool factory is required")
	}
	if config.Name == "" {
		config.Name = "pool"
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 10
	}
	if config.MinSize < 0 {
		config.MinSize = 0
	}
	if config.MinSize > config.MaxSize {
		return nil, errors.NewConfigurationMismatch("pool.min_size",
			fmt.Sprintf("min size %d exceeds max size %d", config.MinSize, config.MaxSize))
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	if config.MaintenanceInterval <= 0 {
		config.MaintenanceInterval = 60 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Pool[T]{
		config: config,
		opts:   opts,
		logger: logger,
		inUse:  make(map[*Resource[T]]struct{}),
	}, nil
}

// Name returns the pool name
func (p *Pool[T]) Name() string { return p.config.Name }

// Acquire returns an available resource, creating one when there is room.
// At capacity it fails with a resource_exhausted fault; a failing factory
// yields a lifecycle_spawn_failed fault.
func (p *Pool[T]) Acquire(ctx context.Context) (*Resource[T], error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.NewResourceExhausted(p.config.Name, "pool is closed")
		}

		if n := len(p.available); n > 0 {
			r := p.available[n-1]
			p.available = p.available[:n-1]

			if !p.config.ValidateOnAcquire || p.opts.Validate == nil {
				p.checkout(r, true)
				p.mu.Unlock()
				return r, nil
			}

			p.pending++
			p.mu.Unlock()

			valid := p.validate(ctx, r)

			p.mu.Lock()
			p.pending--
			if valid && !p.closed {
				p.checkout(r, true)
				p.mu.Unlock()
				return r, nil
			}
			if !valid {
				p.validationFailures++
			}
			p.mu.Unlock()

			p.logger.Debug("Discarding resource that failed validation", "pool", p.config.Name, "resource_id", r.id)
			p.destroy(r)
			continue
		}

		if p.size() >= p.config.MaxSize {
			p.exhausted++
			inUse := len(p.inUse)
			p.mu.Unlock()
			p.logger.Warn("Pool exhausted", "pool", p.config.Name,
				"max_size", p.config.MaxSize,
				"in_use", inUse,
			)
			return nil, errors.NewResourceExhausted(p.config.Name,
				fmt.Sprintf("pool %s at capacity (%d)", p.config.Name, p.config.MaxSize))
		}

		p.pending++
		p.mu.Unlock()

		r, err := p.create(ctx)

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.factoryFailures++
			p.mu.Unlock()
			return nil, errors.Wrap(errors.KindLifecycleSpawnFailed, err, "",
				map[string]interface{}{"pool": p.config.Name})
		}
		if p.closed {
			p.mu.Unlock()
			p.destroy(r)
			return nil, errors.NewResourceExhausted(p.config.Name, "pool is closed")
		}
		p.checkout(r, false)
		p.mu.Unlock()
		return r, nil
	}
}

// Release returns r to the pool. Releasing a resource the pool does not
// consider in use logs a warning and changes nothing.
func (p *Pool[T]) Release(r *Resource[T]) {
	if r == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.inUse[r]; !ok {
		p.mu.Unlock()
		p.logger.Warn("Release of untracked resource ignored", "pool", p.config.Name, "resource_id", r.id)
		return
	}
	delete(p.inUse, r)

	if !p.closed && p.retains(len(p.available)) {
		r.idleSince = time.Now()
		p.available = append(p.available, r)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.destroy(r)
}

// retains reports whether a released resource joins an idle list of length
// idle. The list is kept below half of MaxSize, compared without truncation,
// and never shrinks under MinSize.
func (p *Pool[T]) retains(idle int) bool {
	return 2*idle < p.config.MaxSize || idle < p.config.MinSize
}

// Maintain evicts resources idle longer than IdleTimeout, never dropping
// below MinSize, then tops the pool up toward MinSize. Top-up stops at the
// first factory failure.
func (p *Pool[T]) Maintain(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var evicted []*Resource[T]
	kept := p.available[:0:0]
	// available is ordered oldest release first
	for i, r := range p.available {
		remaining := len(p.available) - i + len(kept) - 1
		if now.Sub(r.idleSince) > p.config.IdleTimeout && remaining >= p.config.MinSize {
			evicted = append(evicted, r)
			continue
		}
		kept = append(kept, r)
	}
	p.available = kept
	p.idleEvictions += uint64(len(evicted))
	p.mu.Unlock()

	for _, r := range evicted {
		p.destroy(r)
	}
	if len(evicted) > 0 {
		p.logger.Debug("Evicted idle resources", "pool", p.config.Name, "count", len(evicted))
	}

	for ctx.Err() == nil {
		p.mu.Lock()
		if p.closed || len(p.available)+p.pending >= p.config.MinSize || p.size() >= p.config.MaxSize {
			p.mu.Unlock()
			return
		}
		p.pending++
		p.mu.Unlock()

		r, err := p.create(ctx)

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.factoryFailures++
			p.mu.Unlock()
			p.logger.Warn("Pool top-up stopped", "pool", p.config.Name, "error", err.Error())
			return
		}
		if p.closed {
			p.mu.Unlock()
			p.destroy(r)
			return
		}
		r.idleSince = time.Now()
		p.available = append(p.available, r)
		p.mu.Unlock()
	}
}

// Start runs Maintain immediately and then every MaintenanceInterval until
// Stop, Close or ctx is done.
func (p *Pool[T]) Start(ctx context.Context) {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})

	go p.maintenanceLoop(ctx, p.stopCh, p.done)
}

// Stop halts periodic maintenance and waits for the loop to exit
func (p *Pool[T]) Stop() {
	p.loopMu.Lock()
	if !p.running {
		p.loopMu.Unlock()
		return
	}
	close(p.stopCh)
	done := p.done
	p.running = false
	p.loopMu.Unlock()

	<-done
}

func (p *Pool[T]) maintenanceLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	p.Maintain(ctx)

	ticker := time.NewTicker(p.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			p.Maintain(ctx)
		}
	}
}

// Close stops maintenance and destroys every available resource. Resources
// still in use are destroyed when released.
func (p *Pool[T]) Close(ctx context.Context) error {
	p.Stop()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.available
	p.available = nil
	inUse := len(p.inUse)
	p.mu.Unlock()

	for _, r := range idle {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.destroy(r)
	}

	p.logger.Info("Pool closed", "pool", p.config.Name,
		"destroyed", len(idle),
		"still_in_use", inUse,
	)
	return nil
}

// Stats returns a snapshot of the pool
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		Name:               p.config.Name,
		Available:          len(p.available),
		InUse:              len(p.inUse),
		Pending:            p.pending,
		MaxSize:            p.config.MaxSize,
		MinSize:            p.config.MinSize,
		Created:            p.created,
		Destroyed:          p.destroyed,
		Acquisitions:       p.acquisitions,
		Reuses:             p.reuses,
		Exhausted:          p.exhausted,
		FactoryFailures:    p.factoryFailures,
		ValidationFailures: p.validationFailures,
		IdleEvictions:      p.idleEvictions,
	}
	if p.acquisitions > 0 {
		stats.HitRate = float64(p.reuses) / float64(p.acquisitions)
	}
	return stats
}

// size must be called with mu held
func (p *Pool[T]) size() int {
	return len(p.available) + len(p.inUse) + p.pending
}

// checkout must be called with mu held
func (p *Pool[T]) checkout(r *Resource[T], reused bool) {
	r.lastAcquiredAt = time.Now()
	r.usageCount++
	p.inUse[r] = struct{}{}
	p.acquisitions++
	if reused {
		p.reuses++
	}
}

func (p *Pool[T]) create(ctx context.Context) (r *Resource[T], err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.LogPanic(ctx, rec, "Recovered panic in pool factory")
			r, err = nil, fmt.Errorf("factory panicked: %v", rec)
		}
	}()

	v, err := p.opts.Factory(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p.mu.Lock()
	p.created++
	p.mu.Unlock()

	return &Resource[T]{
		id:        uuid.New().String(),
		value:     v,
		createdAt: now,
		idleSince: now,
	}, nil
}

func (p *Pool[T]) validate(ctx context.Context, r *Resource[T]) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.LogPanic(ctx, rec, "Recovered panic in pool validator")
			ok = false
		}
	}()
	return p.opts.Validate(ctx, r.value)
}

func (p *Pool[T]) destroy(r *Resource[T]) {
	p.mu.Lock()
	p.destroyed++
	p.mu.Unlock()

	if p.opts.Destroy == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("Recovered panic in pool destructor", "pool", p.config.Name, "resource_id", r.id, "panic", rec)
		}
	}()
	if err := p.opts.Destroy(r.value); err != nil {
		p.logger.Warn("Failed to destroy resource", "pool", p.config.Name, "resource_id", r.id, "error", err.Error())
	}
}
