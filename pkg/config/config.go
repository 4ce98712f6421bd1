package config

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/NikhilSetiya/agentcore/pkg/cache"
	"github.com/NikhilSetiya/agentcore/pkg/connection"
	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/logging"
	"github.com/NikhilSetiya/agentcore/pkg/metrics"
	"github.com/NikhilSetiya/agentcore/pkg/pool"
	"github.com/NikhilSetiya/agentcore/pkg/resilience"
	"github.com/NikhilSetiya/agentcore/pkg/tracing"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "AGENTCORE_"

// Service types understood by the runtime
const (
	ServiceHTTP   = "http"
	ServiceRedis  = "redis"
	ServiceSQL    = "sql"
	ServiceGRPC   = "grpc"
	ServiceGitHub = "github"
	ServiceStatic = "static"
)

// Config holds the application configuration
type Config struct {
	Logging     logging.Config            `yaml:"logging"`
	Pool        pool.Config               `yaml:"pool"`
	Cache       cache.Config              `yaml:"cache"`
	Boundary    resilience.BoundaryConfig `yaml:"boundary"`
	Connections connection.Config         `yaml:"connections"`
	Services    []ServiceConfig           `yaml:"services"`
	Runtime     RuntimeConfig             `yaml:"runtime"`
	Monitoring  MonitoringConfig          `yaml:"monitoring"`
	Redis       RedisConfig               `yaml:"redis"`
	Database    DatabaseConfig            `yaml:"database"`
	GitHub      GitHubConfig              `yaml:"github"`
	Tracing     tracing.Config            `yaml:"tracing"`
	Metrics     metrics.Config            `yaml:"metrics"`
}

// ServiceConfig declares one tool server
type ServiceConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Target     string `yaml:"target"`
	Essential  bool   `yaml:"essential"`
	FallbackID string `yaml:"fallback_id"`
	// Driver selects the SQL driver, postgres or mysql
	Driver string `yaml:"driver"`
	// HealthPath is appended to Target for HTTP health checks
	HealthPath     string        `yaml:"health_path"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// RuntimeConfig sizes the task workers
type RuntimeConfig struct {
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AlertInterval   time.Duration `yaml:"alert_interval"`
	// WorkspaceRoot holds one scratch directory per pooled agent; empty
	// means the system temp directory
	WorkspaceRoot string `yaml:"workspace_root"`
}

// MonitoringConfig contains the monitoring API configuration
type MonitoringConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	CORSOrigins  []string      `yaml:"cors_origins"`
	JWTSecret    string        `yaml:"jwt_secret"`
	AdminEnabled bool          `yaml:"admin_enabled"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// TaskRateLimit caps task submissions per client per TaskRateWindow;
	// zero disables the limit
	TaskRateLimit  int           `yaml:"task_rate_limit"`
	TaskRateWindow time.Duration `yaml:"task_rate_window"`
}

// RedisConfig configures the fault stream sink
type RedisConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	Stream       string `yaml:"stream"`
	StreamMaxLen int64  `yaml:"stream_max_len"`
}

// DatabaseConfig holds the connection pool settings shared by SQL services
type DatabaseConfig struct {
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// GitHubConfig holds source-control credentials
type GitHubConfig struct {
	Token        string `yaml:"token"`
	MinRemaining int    `yaml:"min_remaining"`
}

// Default returns the configuration used when no file or environment
// overrides are present
func Default() *Config {
	return &Config{
		Logging: logging.Config{
			Level:       "info",
			Format:      "json",
			Output:      "stdout",
			ServiceName: "agentcore",
			Version:     "unknown",
		},
		Pool:        pool.DefaultConfig("workers"),
		Cache:       cache.DefaultConfig("results"),
		Boundary:    resilience.DefaultBoundaryConfig(),
		Connections: connection.DefaultConfig(),
		Runtime: RuntimeConfig{
			Workers:         4,
			QueueSize:       100,
			TaskTimeout:     30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			AlertInterval:   30 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Enabled:      true,
			Addr:         ":8080",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			TaskRateWindow: time.Minute,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			Stream:       "agentcore:faults",
			StreamMaxLen: 10000,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		GitHub: GitHubConfig{
			MinRemaining: 100,
		},
		Tracing: *tracing.DefaultConfig(),
		Metrics: *metrics.DefaultConfig(),
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then .env files, then AGENTCORE_* environment variables. The result
// is validated. With no envFiles, ".env" in the working directory is tried.
func Load(path string, envFiles ...string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if stderrors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadEnvFiles populates the process environment. Variables already set win.
func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	c.Logging.Level = getEnvString("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvString("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnvString("LOG_OUTPUT", c.Logging.Output)

	c.Pool.MaxSize = getEnvInt("POOL_MAX_SIZE", c.Pool.MaxSize)
	c.Pool.MinSize = getEnvInt("POOL_MIN_SIZE", c.Pool.MinSize)
	c.Pool.IdleTimeout = getEnvDuration("POOL_IDLE_TIMEOUT", c.Pool.IdleTimeout)
	c.Pool.ValidateOnAcquire = getEnvBool("POOL_VALIDATE_ON_ACQUIRE", c.Pool.ValidateOnAcquire)

	c.Cache.MaxSize = getEnvInt("CACHE_MAX_SIZE", c.Cache.MaxSize)
	c.Cache.TTL = getEnvDuration("CACHE_TTL", c.Cache.TTL)
	c.Cache.SweepInterval = getEnvDuration("CACHE_SWEEP_INTERVAL", c.Cache.SweepInterval)

	c.Connections.ConnectionTTL = getEnvDuration("CONNECTION_TTL", c.Connections.ConnectionTTL)
	c.Connections.HealthInterval = getEnvDuration("HEALTH_INTERVAL", c.Connections.HealthInterval)
	c.Connections.MaxRetries = getEnvInt("MAX_RETRIES", c.Connections.MaxRetries)
	c.Connections.BaseDelay = getEnvDuration("BASE_DELAY", c.Connections.BaseDelay)
	c.Connections.MaxDelay = getEnvDuration("MAX_DELAY", c.Connections.MaxDelay)
	c.Connections.BackoffFactor = getEnvFloat("BACKOFF_FACTOR", c.Connections.BackoffFactor)

	c.Runtime.Workers = getEnvInt("WORKERS", c.Runtime.Workers)
	c.Runtime.WorkspaceRoot = getEnvString("WORKSPACE_ROOT", c.Runtime.WorkspaceRoot)

	c.Monitoring.Enabled = getEnvBool("MONITORING_ENABLED", c.Monitoring.Enabled)
	c.Monitoring.Addr = getEnvString("MONITORING_ADDR", c.Monitoring.Addr)
	c.Monitoring.JWTSecret = getEnvString("JWT_SECRET", c.Monitoring.JWTSecret)
	c.Monitoring.AdminEnabled = getEnvBool("ADMIN_ENABLED", c.Monitoring.AdminEnabled)
	c.Monitoring.TaskRateLimit = getEnvInt("TASK_RATE_LIMIT", c.Monitoring.TaskRateLimit)
	c.Monitoring.TaskRateWindow = getEnvDuration("TASK_RATE_WINDOW", c.Monitoring.TaskRateWindow)
	if v := os.Getenv(EnvPrefix + "CORS_ORIGINS"); v != "" {
		c.Monitoring.CORSOrigins = splitList(v)
	}

	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnvString("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnvString("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)

	c.GitHub.Token = getEnvString("GITHUB_TOKEN", c.GitHub.Token)

	c.Tracing.Enabled = getEnvBool("TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.JaegerEndpoint = getEnvString("JAEGER_ENDPOINT", c.Tracing.JaegerEndpoint)
	c.Tracing.Environment = getEnvString("ENVIRONMENT", c.Tracing.Environment)

	c.Metrics.Enabled = getEnvBool("METRICS_ENABLED", c.Metrics.Enabled)
}

// Validate checks the configuration. Problems are reported as configuration
// faults naming the offending key.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return errors.NewConfigurationMismatch("logging.level", fmt.Sprintf("invalid log level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return errors.NewConfigurationMismatch("logging.format", fmt.Sprintf("unsupported log format %q", c.Logging.Format))
	}

	if c.Pool.MaxSize <= 0 {
		return errors.NewConfigurationMismatch("pool.max_size", "must be positive")
	}
	if c.Pool.MinSize < 0 || c.Pool.MinSize > c.Pool.MaxSize {
		return errors.NewConfigurationMismatch("pool.min_size", "must be between 0 and pool.max_size")
	}
	if c.Cache.MaxSize <= 0 {
		return errors.NewConfigurationMismatch("cache.max_size", "must be positive")
	}
	if c.Cache.TTL <= 0 {
		return errors.NewConfigurationMismatch("cache.ttl", "must be positive")
	}

	if c.Connections.MaxRetries < 0 {
		return errors.NewConfigurationMismatch("connections.max_retries", "must not be negative")
	}
	if c.Connections.BackoffFactor < 1 {
		return errors.NewConfigurationMismatch("connections.backoff_factor", "must be at least 1")
	}
	if c.Connections.BaseDelay > c.Connections.MaxDelay {
		return errors.NewConfigurationMismatch("connections.base_delay", "must not exceed connections.max_delay")
	}

	if c.Runtime.Workers <= 0 {
		return errors.NewConfigurationMismatch("runtime.workers", "must be positive")
	}

	seen := make(map[string]bool, len(c.Services))
	for i, svc := range c.Services {
		key := fmt.Sprintf("services[%d]", i)
		if svc.Name == "" {
			return errors.NewConfigurationMismatch(key+".name", "is required")
		}
		if seen[svc.Name] {
			return errors.NewConfigurationMismatch(key+".name", fmt.Sprintf("duplicate service %q", svc.Name))
		}
		seen[svc.Name] = true

		switch svc.Type {
		case ServiceStatic:
		case ServiceHTTP, ServiceRedis, ServiceGRPC:
			if svc.Target == "" {
				return errors.NewConfigurationMismatch(key+".target", fmt.Sprintf("service %q needs a target", svc.Name))
			}
		case ServiceSQL:
			if svc.Target == "" {
				return errors.NewConfigurationMismatch(key+".target", fmt.Sprintf("service %q needs a DSN", svc.Name))
			}
			if svc.Driver != "postgres" && svc.Driver != "mysql" {
				return errors.NewConfigurationMismatch(key+".driver", fmt.Sprintf("unsupported SQL driver %q", svc.Driver))
			}
		case ServiceGitHub:
		default:
			return errors.NewConfigurationMismatch(key+".type", fmt.Sprintf("unknown service type %q", svc.Type))
		}
	}

	if c.Monitoring.Enabled && c.Monitoring.Addr == "" {
		return errors.NewConfigurationMismatch("monitoring.addr", "is required when monitoring is enabled")
	}
	if c.Monitoring.TaskRateLimit < 0 {
		return errors.NewConfigurationMismatch("monitoring.task_rate_limit", "must not be negative")
	}
	if c.Monitoring.TaskRateLimit > 0 && c.Monitoring.TaskRateWindow <= 0 {
		return errors.NewConfigurationMismatch("monitoring.task_rate_window", "must be positive when a task rate limit is set")
	}
	if c.Monitoring.AdminEnabled && c.Monitoring.JWTSecret == "" {
		return errors.NewConfigurationMismatch("monitoring.jwt_secret", "is required when the admin API is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.NewConfigurationMismatch("redis.addr", "is required when the fault stream is enabled")
	}

	return nil
}

// Helper functions for environment variable parsing. Keys are given without
// the AGENTCORE_ prefix; malformed values keep the current setting.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
