package metrics

import (
	"context"
	"sync"
	"time"
)

// Collector refreshes the snapshot-derived gauges (pool, cache, health
// ratios) on an interval.
type Collector struct {
	metrics  *Metrics
	interval time.Duration
	collect  func(*Metrics)

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMetricsCollector creates a collector calling collect every interval.
func NewMetricsCollector(m *Metrics, interval time.Duration, collect func(*Metrics)) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{metrics: m, interval: interval, collect: collect, stop: make(chan struct{})}
}

// Start collects once, then on every tick until ctx ends or Stop is called.
// It blocks.
func (c *Collector) Start(ctx context.Context) {
	if c.collect == nil {
		return
	}
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		c.collect(c.metrics)
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-t.C:
		}
	}
}

// Stop ends Start. Safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
