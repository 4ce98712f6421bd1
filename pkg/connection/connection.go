package connection

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/logging"
	"github.com/NikhilSetiya/agentcore/pkg/resilience"
)

// Client is a live session with a tool server
type Client interface {
	Call(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error)
	Close() error
}

// Connector opens a new client for one service
type Connector func(ctx context.Context) (Client, error)

// Kind distinguishes real connections from fallback stand-ins
type Kind string

const (
	KindReal     Kind = "real"
	KindFallback Kind = "fallback"
)

// Connection is what GetServer hands out. Both variants share the same
// operation contract, so callers never branch on availability.
type Connection interface {
	Service() string
	Kind() Kind
	Execute(ctx context.Context, operation string, params map[string]interface{}) (resilience.Result, error)
}

// RealConnection forwards operations to a live client
type RealConnection struct {
	service   string
	client    Client
	createdAt time.Time
	calls     atomic.Int64
}

func newRealConnection(service string, client Client, createdAt time.Time) *RealConnection {
	return &RealConnection{service: service, client: client, createdAt: createdAt}
}

func (c *RealConnection) Service() string { return c.service }

func (c *RealConnection) Kind() Kind { return KindReal }

// CreatedAt returns when the underlying client was opened
func (c *RealConnection) CreatedAt() time.Time { return c.createdAt }

// Calls returns how many operations were sent through this connection
func (c *RealConnection) Calls() int64 { return c.calls.Load() }

// Execute calls the tool server. Unlike a fallback, a failure is returned as
// an error so the caller can evict the connection.
func (c *RealConnection) Execute(ctx context.Context, operation string, params map[string]interface{}) (resilience.Result, error) {
	start := time.Now()
	c.calls.Add(1)

	data, err := c.client.Call(ctx, operation, params)
	if err != nil {
		return resilience.Result{
			Success:  false,
			Error:    err,
			Method:   resilience.MethodDirect,
			Duration: time.Since(start),
		}, err
	}
	return resilience.Result{
		Success:  true,
		Data:     data,
		Method:   resilience.MethodDirect,
		Duration: time.Since(start),
	}, nil
}

func (c *RealConnection) close() error {
	return c.client.Close()
}

// Responder produces the degraded answer a fallback gives for an operation
type Responder func(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error)

// FallbackConnection stands in for an unavailable service. Execute never
// returns an error and every result is tagged as degraded.
type FallbackConnection struct {
	service    string
	fallbackID string
	responder  Responder
	logger     *logging.Logger
}

// NewFallbackConnection creates a fallback for service. A nil responder
// answers every operation with an "unavailable" payload.
func NewFallbackConnection(service, fallbackID string, responder Responder, logger *logging.Logger) *FallbackConnection {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &FallbackConnection{
		service:    service,
		fallbackID: fallbackID,
		responder:  responder,
		logger:     logger,
	}
}

func (c *FallbackConnection) Service() string { return c.service }

func (c *FallbackConnection) Kind() Kind { return KindFallback }

// FallbackID returns the id of the registered stand-in
func (c *FallbackConnection) FallbackID() string { return c.fallbackID }

// Message is the explanation attached to every fallback result
func (c *FallbackConnection) Message() string {
	return fmt.Sprintf("%s unavailable, using %s", c.service, c.fallbackID)
}

// Execute answers operation from the responder
func (c *FallbackConnection) Execute(ctx context.Context, operation string, params map[string]interface{}) (resilience.Result, error) {
	start := time.Now()

	data, err := c.respond(ctx, operation, params)
	if err != nil {
		c.logger.Warn("Fallback responder failed, returning placeholder",
			"service", c.service,
			"fallback_id", c.fallbackID,
			"operation", operation,
			"error", err.Error(),
		)
		data = nil
	}
	if data == nil {
		data = c.placeholder(operation)
	}

	return resilience.Result{
		Success:  true,
		Data:     data,
		Method:   resilience.MethodFallback,
		Message:  c.Message(),
		Degraded: true,
		Duration: time.Since(start),
	}, nil
}

func (c *FallbackConnection) respond(ctx context.Context, operation string, params map[string]interface{}) (data interface{}, err error) {
	if c.responder == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(errors.KindHookFailed, fmt.Errorf("panic: %v", r),
				"fallback responder panicked",
				map[string]interface{}{"service": c.service, "fallback_id": c.fallbackID})
		}
	}()
	return c.responder(ctx, operation, params)
}

func (c *FallbackConnection) placeholder(operation string) map[string]interface{} {
	return map[string]interface{}{
		"service":     c.service,
		"fallback_id": c.fallbackID,
		"operation":   operation,
		"available":   false,
	}
}
