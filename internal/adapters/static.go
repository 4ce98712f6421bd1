package adapters

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/NikhilSetiya/agentcore/pkg/connection"
	"github.com/NikhilSetiya/agentcore/pkg/health"
)

// StaticAdapter is an in-process server backed by a map. It is always
// healthy and is useful for local runs and tests. Supported operations: get,
// set, delete, echo.
type StaticAdapter struct {
	name string
	mu   sync.RWMutex
	data map[string]interface{}
}

// NewStaticAdapter creates a static server seeded with data
func NewStaticAdapter(name string, data map[string]interface{}) *StaticAdapter {
	seeded := make(map[string]interface{}, len(data))
	for k, v := range data {
		seeded[k] = v
	}
	return &StaticAdapter{name: name, data: seeded}
}

func (a *StaticAdapter) Name() string { return a.name }

func (a *StaticAdapter) Check(ctx context.Context) *health.Check {
	a.mu.RLock()
	n := len(a.data)
	a.mu.RUnlock()

	return &health.Check{
		Name:      a.name,
		Status:    health.StatusHealthy,
		Message:   "static server",
		Timestamp: time.Now(),
		Metadata:  map[string]string{"entries": strconv.Itoa(n)},
	}
}

func (a *StaticAdapter) Connect(ctx context.Context) (connection.Client, error) {
	return &session{call: a.call}, nil
}

func (a *StaticAdapter) call(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error) {
	switch operation {
	case "echo":
		return params, nil
	case "get":
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		a.mu.RLock()
		v, ok := a.data[key]
		a.mu.RUnlock()
		return map[string]interface{}{"key": key, "found": ok, "value": v}, nil
	case "set":
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.data[key] = params["value"]
		a.mu.Unlock()
		return map[string]interface{}{"key": key, "stored": true}, nil
	case "delete":
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		_, ok := a.data[key]
		delete(a.data, key)
		a.mu.Unlock()
		return map[string]interface{}{"key": key, "deleted": ok}, nil
	}
	return nil, unsupported(a.name, operation)
}

func (a *StaticAdapter) Close() error { return nil }
