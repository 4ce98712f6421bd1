// Package adapters turns declared tool servers into connectors and health
// checkers the connection manager can drive.
package adapters

import (
	"context"
	"fmt"
	"sync"

	"github.com/NikhilSetiya/agentcore/pkg/config"
	"github.com/NikhilSetiya/agentcore/pkg/connection"
	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/health"
)

// Adapter owns the long-lived handle for one tool server. Connect verifies
// the server is reachable and returns a session over the shared handle.
type Adapter interface {
	health.Checker
	Name() string
	Connect(ctx context.Context) (connection.Client, error)
	Close() error
}

// Deps carries the shared settings adapters are built from
type Deps struct {
	Database config.DatabaseConfig
	GitHub   config.GitHubConfig
}

// New builds the adapter for one declared service
func New(cfg config.ServiceConfig, deps Deps) (Adapter, error) {
	var (
		a   Adapter
		err error
	)
	switch cfg.Type {
	case config.ServiceHTTP:
		a, err = adapt(NewHTTPAdapter(cfg.Name, cfg.Target, cfg.HealthPath, cfg.AttemptTimeout))
	case config.ServiceRedis:
		a, err = adapt(NewRedisAdapter(cfg.Name, cfg.Target))
	case config.ServiceSQL:
		a, err = adapt(NewSQLAdapter(cfg.Name, cfg.Driver, cfg.Target, deps.Database))
	case config.ServiceGRPC:
		a, err = adapt(NewGRPCAdapter(cfg.Name, cfg.Target, ""))
	case config.ServiceGitHub:
		a, err = adapt(NewGitHubAdapter(cfg.Name, cfg.Target, deps.GitHub))
	case config.ServiceStatic:
		a = NewStaticAdapter(cfg.Name, nil)
	default:
		err = errors.NewConfigurationMismatch("services.type",
			fmt.Sprintf("unsupported service type %q for %s", cfg.Type, cfg.Name))
	}
	return a, err
}

// adapt keeps a failed constructor from producing a non-nil interface
// holding a nil pointer.
func adapt[T Adapter](a T, err error) (Adapter, error) {
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Descriptor wires an adapter into a connection manager registration
func Descriptor(cfg config.ServiceConfig, a Adapter) connection.ServiceDescriptor {
	return connection.ServiceDescriptor{
		Name:           cfg.Name,
		Essential:      cfg.Essential,
		FallbackID:     cfg.FallbackID,
		Connector:      a.Connect,
		HealthCheck:    a,
		AttemptTimeout: cfg.AttemptTimeout,
	}
}

// Set holds every adapter built from the configuration so they can be
// released together.
type Set struct {
	mu       sync.Mutex
	adapters map[string]Adapter
	order    []string
}

// Build creates adapters for services and registers each with m. On error,
// adapters already built are closed.
func Build(services []config.ServiceConfig, deps Deps, m *connection.Manager) (*Set, error) {
	set := &Set{adapters: make(map[string]Adapter, len(services))}

	for _, svc := range services {
		a, err := New(svc, deps)
		if err != nil {
			set.Close()
			return nil, err
		}
		if err := m.Register(Descriptor(svc, a)); err != nil {
			a.Close()
			set.Close()
			return nil, err
		}
		set.adapters[svc.Name] = a
		set.order = append(set.order, svc.Name)
	}
	return set, nil
}

// Get returns the adapter registered under name
func (s *Set) Get(name string) (Adapter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.adapters[name]
	return a, ok
}

// Len returns the number of adapters in the set
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.adapters)
}

// RegisterChecks adds every adapter to a health service under its service name
func (s *Set) RegisterChecks(svc *health.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.order {
		svc.RegisterChecker(name, s.adapters[name])
	}
}

// Close releases every adapter, returning the first error
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for _, name := range s.order {
		if err := s.adapters[name].Close(); err != nil && first == nil {
			first = fmt.Errorf("close adapter %s: %w", name, err)
		}
	}
	s.adapters = map[string]Adapter{}
	s.order = nil
	return first
}

// session is the connection.Client handed out by Connect. Closing it ends the
// session only; the shared handle stays with the adapter.
type session struct {
	call func(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error)
}

func (s *session) Call(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error) {
	return s.call(ctx, operation, params)
}

func (s *session) Close() error { return nil }

func unsupported(service, operation string) error {
	return errors.NewValidationFailed(fmt.Sprintf("%s does not support operation %q", service, operation))
}

func stringParam(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", errors.NewValidationFailed(fmt.Sprintf("missing parameter %q", key))
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errors.NewValidationFailed(fmt.Sprintf("parameter %q must be a non-empty string", key))
	}
	return s, nil
}
