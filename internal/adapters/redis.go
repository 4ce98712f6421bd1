package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/agentcore/pkg/connection"
	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/health"
)

// RedisAdapter exposes a Redis instance as a key/value memory server.
// Supported operations: get, set, delete, exists.
type RedisAdapter struct {
	name    string
	client  redis.UniversalClient
	checker *health.RedisChecker
}

// NewRedisAdapter creates an adapter for addr. No connection is made until
// the first command.
func NewRedisAdapter(name, addr string) (*RedisAdapter, error) {
	if addr == "" {
		return nil, errors.NewConfigurationMismatch("services.target", name+": redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		// the connection manager owns retries
		MaxRetries: -1,
	})
	return NewRedisAdapterFromClient(name, client), nil
}

// NewRedisAdapterFromClient wraps an existing client. Close closes it.
func NewRedisAdapterFromClient(name string, client redis.UniversalClient) *RedisAdapter {
	return &RedisAdapter{
		name:    name,
		client:  client,
		checker: health.NewRedisChecker(client, name),
	}
}

func (a *RedisAdapter) Name() string { return a.name }

func (a *RedisAdapter) Check(ctx context.Context) *health.Check {
	return a.checker.Check(ctx)
}

// Connect pings the server
func (a *RedisAdapter) Connect(ctx context.Context) (connection.Client, error) {
	if err := a.client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(errors.KindConnectionFailed, err, "redis ping failed", map[string]interface{}{"service": a.name})
	}
	return &session{call: a.call}, nil
}

func (a *RedisAdapter) call(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error) {
	switch operation {
	case "get":
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		val, err := a.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return map[string]interface{}{"key": key, "found": false}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		return map[string]interface{}{"key": key, "found": true, "value": val}, nil

	case "set":
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		value, ok := params["value"]
		if !ok {
			return nil, errors.NewValidationFailed(`missing parameter "value"`)
		}
		ttl, err := durationParam(params, "ttl")
		if err != nil {
			return nil, err
		}
		if err := a.client.Set(ctx, key, fmt.Sprint(value), ttl).Err(); err != nil {
			return nil, fmt.Errorf("set %s: %w", key, err)
		}
		return map[string]interface{}{"key": key, "stored": true}, nil

	case "delete":
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		n, err := a.client.Del(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("delete %s: %w", key, err)
		}
		return map[string]interface{}{"key": key, "deleted": n > 0}, nil

	case "exists":
		key, err := stringParam(params, "key")
		if err != nil {
			return nil, err
		}
		n, err := a.client.Exists(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("exists %s: %w", key, err)
		}
		return map[string]interface{}{"key": key, "exists": n > 0}, nil
	}
	return nil, unsupported(a.name, operation)
}

func (a *RedisAdapter) Close() error {
	return a.client.Close()
}

// durationParam accepts a Go duration string or a number of seconds. A
// missing key means no expiry.
func durationParam(params map[string]interface{}, key string) (time.Duration, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, errors.NewValidationFailed(fmt.Sprintf("parameter %q: %v", key, err))
		}
		return parsed, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case time.Duration:
		return d, nil
	}
	return 0, errors.NewValidationFailed(fmt.Sprintf("parameter %q has unsupported type %T", key, v))
}
