package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NikhilSetiya/agentcore/pkg/logging"
)

// CircuitState is one of closed, open or half-open.
type CircuitState int

const (
	// StateClosed lets every call through and counts outcomes.
	StateClosed CircuitState = iota
	// StateOpen rejects every call until the open timeout passes.
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

var stateNames = [...]string{StateClosed: "CLOSED", StateOpen: "OPEN", StateHalfOpen: "HALF_OPEN"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// CircuitBreakerConfig tunes a breaker guarding one service.
type CircuitBreakerConfig struct {
	Name string
	// MaxRequests is how many probes may run while half-open, and how many
	// must succeed in a row to close again.
	MaxRequests uint32
	// Interval clears the closed-state counts periodically. Zero never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// ReadyToTrip decides, after each closed-state failure, whether to open.
	ReadyToTrip   func(counts Counts) bool
	OnStateChange func(name string, from, to CircuitState)
	Logger        *logging.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// DefaultCircuitBreakerConfig is the breaker used for service connections.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
	}
}

// Counts tallies outcomes within the current window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) record(ok bool) {
	if ok {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		return
	}
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// tripOnFailureRate opens once at least five calls were seen and 60% of
// them failed.
func tripOnFailureRate(c Counts) bool {
	return c.Requests >= 5 && float64(c.TotalFailures) >= 0.6*float64(c.Requests)
}

// CircuitBreaker stops calling a service that keeps failing and probes it
// again after a cool-down.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu     sync.Mutex
	state  CircuitState
	window uint64 // bumped on every state change and count reset
	counts Counts
	until  time.Time // end of the current window; zero means none
}

// NewCircuitBreaker builds a closed breaker from cfg.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = tripOnFailureRate
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cb := &CircuitBreaker{cfg: cfg}
	cb.newWindow(cfg.Now())
	return cb
}

// Execute runs req unless the breaker rejects it with a *CircuitBreakerError.
// A panic in req counts as a failure and is re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) (interface{}, error)) (interface{}, error) {
	window, err := cb.admit()
	if err != nil {
		return nil, err
	}

	ok := false
	defer func() { cb.settle(window, ok) }()

	v, err := req(ctx)
	ok = err == nil
	return v, err
}

// Call is Execute without a context.
func (cb *CircuitBreaker) Call(fn func() (interface{}, error)) (interface{}, error) {
	return cb.Execute(context.Background(), func(context.Context) (interface{}, error) { return fn() })
}

// State reports the state, moving open to half-open when the timeout passed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance(cb.cfg.Now())
	return cb.state
}

// Counts returns the tallies of the current window.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Reset forces the breaker closed with empty counts.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.cfg.Now()
	cb.transition(StateClosed, now)
	cb.newWindow(now)
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(cb.cfg.Now())
	switch {
	case cb.state == StateOpen:
		return 0, &CircuitBreakerError{Name: cb.cfg.Name, State: StateOpen}
	case cb.state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests:
		return 0, &CircuitBreakerError{Name: cb.cfg.Name, State: StateHalfOpen, TooManyRequests: true}
	}
	cb.counts.Requests++
	return cb.window, nil
}

// settle records an outcome unless the window it was admitted in is gone.
func (cb *CircuitBreaker) settle(window uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Now()
	cb.advance(now)
	if window != cb.window {
		return
	}
	cb.counts.record(ok)

	switch cb.state {
	case StateClosed:
		if !ok && cb.cfg.ReadyToTrip(cb.counts) {
			cb.transition(StateOpen, now)
		}
	case StateHalfOpen:
		if !ok {
			cb.transition(StateOpen, now)
		} else if cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxRequests {
			cb.transition(StateClosed, now)
		}
	}
}

// advance applies time-driven changes: the closed window rolls over and an
// expired open state turns half-open.
func (cb *CircuitBreaker) advance(now time.Time) {
	if cb.until.IsZero() || now.Before(cb.until) {
		return
	}
	switch cb.state {
	case StateClosed:
		cb.newWindow(now)
	case StateOpen:
		cb.transition(StateHalfOpen, now)
	}
}

func (cb *CircuitBreaker) transition(to CircuitState, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.newWindow(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
	cb.cfg.Logger.Info("Circuit breaker state changed",
		"name", cb.cfg.Name,
		"from", from.String(),
		"to", to.String(),
	)
}

func (cb *CircuitBreaker) newWindow(now time.Time) {
	cb.window++
	cb.counts = Counts{}
	cb.until = time.Time{}
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.until = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		cb.until = now.Add(cb.cfg.Timeout)
	}
}

// CircuitBreakerError is returned for calls the breaker refused to run.
type CircuitBreakerError struct {
	Name            string
	State           CircuitState
	TooManyRequests bool
}

func (e *CircuitBreakerError) Error() string {
	msg := fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
	if e.TooManyRequests {
		msg += ": probe limit reached"
	}
	return msg
}

// IsCircuitBreakerError reports whether err, or anything it wraps, is a
// breaker rejection.
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
