// Package cache provides a bounded in-memory cache with TTL expiry and
// usage-weighted eviction.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/NikhilSetiya/agentcore/pkg/logging"
)

// Config holds cache settings
type Config struct {
	Name          string        `yaml:"name"`
	MaxSize       int           `yaml:"max_size"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns the default cache configuration
func DefaultConfig(name string) Config {
	return Config{
		Name:          name,
		MaxSize:       1000,
		TTL:           5 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Option customises a cache
type Option[K comparable, V any] func(*Cache[K, V])

// WithClock replaces time.Now
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) { c.now = now }
}

// WithSizeEstimator sets how many bytes a value is assumed to occupy
func WithSizeEstimator[K comparable, V any](fn func(V) int) Option[K, V] {
	return func(c *Cache[K, V]) { c.sizeOf = fn }
}

// WithLogger sets the cache logger
func WithLogger[K comparable, V any](logger *logging.Logger) Option[K, V] {
	return func(c *Cache[K, V]) { c.logger = logger }
}

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
	size      int

	// usage record, only consulted for eviction
	hitCount   uint64
	lastAccess time.Time
	accessSeq  uint64
}

// Stats is a read-only snapshot of cache counters
type Stats struct {
	Name           string  `json:"name"`
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	HitRate        float64 `json:"hit_rate"`
	Size           int     `json:"size"`
	MaxSize        int     `json:"max_size"`
	Evictions      uint64  `json:"evictions"`
	Expirations    uint64  `json:"expirations"`
	EstimatedBytes uint64  `json:"estimated_bytes"`
}

func (s Stats) String() string {
	return fmt.Sprintf("%s: %s/%s entries, %.1f%% hit rate, %s evicted, %s expired, ~%s",
		s.Name,
		humanize.Comma(int64(s.Size)),
		humanize.Comma(int64(s.MaxSize)),
		s.HitRate*100,
		humanize.Comma(int64(s.Evictions)),
		humanize.Comma(int64(s.Expirations)),
		humanize.Bytes(s.EstimatedBytes),
	)
}

// Cache is a bounded key/value store. Entries past their expiry are treated
// as absent even before a sweep removes them. When full, inserting a new key
// evicts one entry with the lowest hitCount/(1+secondsSinceLastAccess).
type Cache[K comparable, V any] struct {
	config Config
	now    func() time.Time
	sizeOf func(V) int
	logger *logging.Logger

	mu          sync.Mutex
	entries     map[K]*entry[V]
	seq         uint64
	bytes       uint64
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	loopMu  sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New creates a cache
func New[K comparable, V any](config Config, opts ...Option[K, V]) *Cache[K, V] {
	if config.Name == "" {
		config.Name = "cache"
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 1000
	}
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}

	c := &Cache[K, V]{
		config:  config,
		now:     time.Now,
		sizeOf:  defaultSizeOf[V],
		logger:  logging.GetLogger(),
		entries: make(map[K]*entry[V]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the cache name
func (c *Cache[K, V]) Name() string { return c.config.Name }

// Get returns the value for key. Expired entries are deleted and reported
// as misses.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if now.After(e.expiresAt) {
		c.remove(key, e)
		c.expirations++
		c.misses++
		return zero, false
	}

	e.hitCount++
	e.lastAccess = now
	e.accessSeq = c.nextSeq()
	c.hits++
	return e.value, true
}

// Set stores value under key with the default TTL
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, 0)
}

// SetWithTTL stores value under key. A ttl of zero or less uses the default.
func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.TTL
	}
	now := c.now()
	size := c.sizeOf(value)
	if size < 0 {
		size = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.bytes -= uint64(e.size)
		c.bytes += uint64(size)
		e.value = value
		e.createdAt = now
		e.expiresAt = now.Add(ttl)
		e.size = size
		e.lastAccess = now
		e.accessSeq = c.nextSeq()
		return
	}

	if len(c.entries) >= c.config.MaxSize {
		c.makeRoom(now)
	}

	c.entries[key] = &entry[V]{
		value:      value,
		createdAt:  now,
		expiresAt:  now.Add(ttl),
		size:       size,
		lastAccess: now,
		accessSeq:  c.nextSeq(),
	}
	c.bytes += uint64(size)
}

// Delete removes key
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok {
		c.remove(key, e)
	}
	return ok
}

// Clear removes every entry. Counters are kept.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[K]*entry[V])
	c.bytes = 0
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep deletes every expired entry and returns how many were removed
func (c *Cache[K, V]) Sweep() int {
	now := c.now()

	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			c.remove(key, e)
			removed++
		}
	}
	c.expirations += uint64(removed)
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("Cache sweep removed expired entries",
			"cache", c.config.Name,
			"removed", removed,
		)
	}
	return removed
}

// Start runs Sweep every SweepInterval until Stop or ctx is done
func (c *Cache[K, V]) Start(ctx context.Context) {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})

	go c.sweepLoop(ctx, c.stopCh, c.done)
}

// Stop halts the sweeper and waits for it to exit
func (c *Cache[K, V]) Stop() {
	c.loopMu.Lock()
	if !c.running {
		c.loopMu.Unlock()
		return
	}
	close(c.stopCh)
	done := c.done
	c.running = false
	c.loopMu.Unlock()

	<-done
}

func (c *Cache[K, V]) sweepLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// GetStats returns a snapshot of the cache counters
func (c *Cache[K, V]) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Name:           c.config.Name,
		Hits:           c.hits,
		Misses:         c.misses,
		Size:           len(c.entries),
		MaxSize:        c.config.MaxSize,
		Evictions:      c.evictions,
		Expirations:    c.expirations,
		EstimatedBytes: c.bytes,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// makeRoom frees exactly one slot. An expired entry is dropped if there is
// one; otherwise the lowest-scoring entry is evicted. The most recently
// touched entry is never chosen. Must be called with mu held.
func (c *Cache[K, V]) makeRoom(now time.Time) {
	var (
		newestSeq uint64
		victimKey K
		victim    *entry[V]
		bestScore float64
	)
	for _, e := range c.entries {
		if e.accessSeq > newestSeq {
			newestSeq = e.accessSeq
		}
	}

	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			c.remove(key, e)
			c.expirations++
			return
		}
		if e.accessSeq == newestSeq && len(c.entries) > 1 {
			continue
		}
		s := score(e, now)
		if victim == nil || s < bestScore || (s == bestScore && e.accessSeq < victim.accessSeq) {
			victimKey, victim, bestScore = key, e, s
		}
	}

	if victim != nil {
		c.remove(victimKey, victim)
		c.evictions++
	}
}

func score[V any](e *entry[V], now time.Time) float64 {
	idle := now.Sub(e.lastAccess).Seconds()
	if idle < 0 {
		idle = 0
	}
	return float64(e.hitCount) / (1 + idle)
}

// remove must be called with mu held
func (c *Cache[K, V]) remove(key K, e *entry[V]) {
	delete(c.entries, key)
	c.bytes -= uint64(e.size)
}

func (c *Cache[K, V]) nextSeq() uint64 {
	c.seq++
	return c.seq
}

func defaultSizeOf[V any](v V) int {
	switch x := any(v).(type) {
	case string:
		return len(x)
	case []byte:
		return len(x)
	default:
		return 0
	}
}
