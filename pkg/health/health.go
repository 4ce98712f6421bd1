// Package health runs named readiness checks against the runtime's
// dependencies and serves the results over HTTP.
package health

import (
	"context"
	"fmt"
	"time"
)

// Status is the outcome of a check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// rank orders statuses from best to worst. Unknown is as bad as unhealthy.
var rank = map[Status]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
	StatusUnknown:   2,
}

// worse returns whichever of a and b ranks lower, mapping unknown to
// unhealthy.
func worse(a, b Status) Status {
	if rank[b] > rank[a] {
		a = b
	}
	if a == StatusUnknown {
		return StatusUnhealthy
	}
	return a
}

// Check is the result of one checker run.
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Healthy is true for healthy and degraded results.
func (c *Check) Healthy() bool {
	return c != nil && (c.Status == StatusHealthy || c.Status == StatusDegraded)
}

// Reason prefers the error text over the message.
func (c *Check) Reason() string {
	switch {
	case c == nil:
		return "no check result"
	case c.Error != "":
		return c.Error
	}
	return c.Message
}

// Checker probes one dependency.
type Checker interface {
	Check(ctx context.Context) *Check
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) *Check

func (f CheckerFunc) Check(ctx context.Context) *Check { return f(ctx) }

// Run executes checker with a timeout and always returns a named result. A
// missing checker is unknown; a nil result or a panic is unhealthy.
func Run(ctx context.Context, name string, checker Checker, timeout time.Duration) (check *Check) {
	start := time.Now()
	failed := func(format string, args ...interface{}) *Check {
		return &Check{
			Name:      name,
			Status:    StatusUnhealthy,
			Error:     fmt.Sprintf(format, args...),
			Duration:  time.Since(start),
			Timestamp: start,
		}
	}

	if checker == nil {
		return &Check{Name: name, Status: StatusUnknown, Message: "no checker", Timestamp: start}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			check = failed("health check panicked: %v", r)
		}
	}()

	if check = checker.Check(ctx); check == nil {
		return failed("health check returned no result")
	}
	if check.Name == "" {
		check.Name = name
	}
	return check
}
