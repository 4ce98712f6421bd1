package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/go-github/v56/github"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// probe times fn. fn fills in status, message and metadata; a returned error
// makes the check unhealthy with that error.
func probe(name string, fn func(c *Check) error) *Check {
	start := time.Now()
	c := &Check{Name: name, Timestamp: start, Status: StatusHealthy}
	if err := fn(c); err != nil {
		c.Status = StatusUnhealthy
		c.Error = err.Error()
	}
	c.Duration = time.Since(start)
	return c
}

// DatabaseChecker pings a SQL database and watches its pool usage.
type DatabaseChecker struct {
	db   *sqlx.DB
	name string
}

func NewDatabaseChecker(db *sqlx.DB, name string) *DatabaseChecker {
	return &DatabaseChecker{db: db, name: name}
}

// dbPoolHighWater is the share of MaxOpenConnections past which the check
// reports degraded.
const dbPoolHighWater = 0.8

func (dc *DatabaseChecker) Check(ctx context.Context) *Check {
	return probe(dc.name, func(c *Check) error {
		if dc.db == nil {
			return fmt.Errorf("database connection is nil")
		}
		if err := dc.db.PingContext(ctx); err != nil {
			return err
		}
		st := dc.db.Stats()
		c.Message = "database is healthy"
		c.Metadata = map[string]string{
			"open_connections": strconv.Itoa(st.OpenConnections),
			"idle_connections": strconv.Itoa(st.Idle),
			"max_connections":  strconv.Itoa(st.MaxOpenConnections),
		}
		if st.MaxOpenConnections > 0 && float64(st.OpenConnections) > dbPoolHighWater*float64(st.MaxOpenConnections) {
			c.Status = StatusDegraded
			c.Message = "database connection pool is running low"
		}
		return nil
	})
}

// RedisChecker pings Redis.
type RedisChecker struct {
	client redis.UniversalClient
	name   string
}

func NewRedisChecker(client redis.UniversalClient, name string) *RedisChecker {
	return &RedisChecker{client: client, name: name}
}

func (rc *RedisChecker) Check(ctx context.Context) *Check {
	return probe(rc.name, func(c *Check) error {
		if rc.client == nil {
			return fmt.Errorf("redis connection is nil")
		}
		if err := rc.client.Ping(ctx).Err(); err != nil {
			return err
		}
		c.Message = "redis is healthy"
		if st := rc.client.PoolStats(); st != nil {
			c.Metadata = map[string]string{
				"total_connections": strconv.FormatUint(uint64(st.TotalConns), 10),
				"idle_connections":  strconv.FormatUint(uint64(st.IdleConns), 10),
				"timeouts":          strconv.FormatUint(uint64(st.Timeouts), 10),
			}
		}
		return nil
	})
}

// HTTPChecker GETs a URL. 2xx is healthy, 5xx unhealthy, anything else
// degraded.
type HTTPChecker struct {
	url    string
	name   string
	client *http.Client
}

func NewHTTPChecker(url, name string, timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{url: url, name: name, client: &http.Client{Timeout: timeout}}
}

func (hc *HTTPChecker) Check(ctx context.Context) *Check {
	return probe(hc.name, func(c *Check) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := hc.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		resp.Body.Close()

		c.Metadata = map[string]string{"status_code": strconv.Itoa(resp.StatusCode)}
		c.Message = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
		switch code := resp.StatusCode; {
		case code >= 500:
			c.Status = StatusUnhealthy
		case code < 200 || code >= 300:
			c.Status = StatusDegraded
		}
		return nil
	})
}

// GRPCChecker asks a grpc.health.v1 server about one service. An empty
// service means the whole server.
type GRPCChecker struct {
	client  healthpb.HealthClient
	service string
	name    string
}

func NewGRPCChecker(conn grpc.ClientConnInterface, service, name string) *GRPCChecker {
	return &GRPCChecker{client: healthpb.NewHealthClient(conn), service: service, name: name}
}

func (gc *GRPCChecker) Check(ctx context.Context) *Check {
	return probe(gc.name, func(c *Check) error {
		resp, err := gc.client.Check(ctx, &healthpb.HealthCheckRequest{Service: gc.service})
		if err != nil {
			return fmt.Errorf("health rpc failed: %w", err)
		}
		st := resp.GetStatus()
		c.Metadata = map[string]string{"serving_status": st.String()}
		c.Message = "server reported " + st.String()
		if st != healthpb.HealthCheckResponse_SERVING {
			c.Status = StatusUnhealthy
		}
		return nil
	})
}

// GitHubChecker reads the core rate limit. It degrades below minRemaining
// and fails at zero.
type GitHubChecker struct {
	client       *github.Client
	name         string
	minRemaining int
}

func NewGitHubChecker(client *github.Client, name string, minRemaining int) *GitHubChecker {
	return &GitHubChecker{client: client, name: name, minRemaining: minRemaining}
}

func (gh *GitHubChecker) Check(ctx context.Context) *Check {
	return probe(gh.name, func(c *Check) error {
		if gh.client == nil {
			return fmt.Errorf("github client is nil")
		}
		limits, _, err := gh.client.RateLimits(ctx)
		if err != nil {
			return fmt.Errorf("rate limit request failed: %w", err)
		}
		c.Message = "github api is reachable"
		core := limits.GetCore()
		if core == nil {
			return nil
		}
		c.Metadata = map[string]string{
			"limit":     strconv.Itoa(core.Limit),
			"remaining": strconv.Itoa(core.Remaining),
			"reset":     core.Reset.Format(time.RFC3339),
		}
		switch {
		case core.Remaining == 0:
			c.Status = StatusUnhealthy
			c.Message = "github rate limit exhausted"
		case core.Remaining < gh.minRemaining:
			c.Status = StatusDegraded
			c.Message = "github rate limit running low"
		}
		return nil
	})
}

// CustomChecker wraps a function returning a status and message. An error
// turns a healthy answer unhealthy.
type CustomChecker struct {
	name     string
	fn       func(ctx context.Context) (Status, string, error)
	metadata map[string]string
}

func NewCustomChecker(name string, fn func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{name: name, fn: fn}
}

// WithMetadata attaches static metadata to every result.
func (cc *CustomChecker) WithMetadata(metadata map[string]string) *CustomChecker {
	cc.metadata = metadata
	return cc
}

func (cc *CustomChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	status, msg, err := cc.fn(ctx)
	c := &Check{
		Name:      cc.name,
		Status:    status,
		Message:   msg,
		Timestamp: start,
		Duration:  time.Since(start),
		Metadata:  cc.metadata,
	}
	if err != nil {
		c.Error = err.Error()
		if status == StatusHealthy {
			c.Status = StatusUnhealthy
		}
	}
	return c
}

// DirectoryChecker verifies a directory exists and accepts new files. A
// read-only directory is degraded.
type DirectoryChecker struct {
	path string
	name string
}

func NewDirectoryChecker(path, name string) *DirectoryChecker {
	return &DirectoryChecker{path: path, name: name}
}

func (dc *DirectoryChecker) Check(ctx context.Context) *Check {
	return probe(dc.name, func(c *Check) error {
		c.Metadata = map[string]string{"path": dc.path}
		info, err := os.Stat(dc.path)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dc.path)
		}
		f, err := os.CreateTemp(dc.path, ".healthcheck-*")
		if err != nil {
			c.Status = StatusDegraded
			c.Message = "directory is read-only"
			c.Error = err.Error()
			return nil
		}
		f.Close()
		os.Remove(f.Name())
		c.Message = "directory is writable"
		return nil
	})
}
