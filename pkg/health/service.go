package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/NikhilSetiya/agentcore/pkg/logging"
)

// Config tunes a Service.
type Config struct {
	// Timeout bounds each check.
	Timeout  time.Duration     `yaml:"timeout" json:"timeout"`
	Metadata map[string]string `yaml:"metadata" json:"metadata"`
}

const defaultCheckTimeout = 5 * time.Second

func DefaultConfig() *Config {
	return &Config{Timeout: defaultCheckTimeout, Metadata: map[string]string{}}
}

// HealthResponse aggregates every check.
type HealthResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Service holds a set of named checkers and runs them together.
type Service struct {
	logger   *logging.Logger
	timeout  time.Duration
	metadata map[string]string

	mu       sync.RWMutex
	checkers map[string]Checker
}

func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &Service{
		logger:   logger,
		timeout:  timeout,
		metadata: config.Metadata,
		checkers: make(map[string]Checker),
	}
}

// RegisterChecker adds or replaces the checker called name.
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mu.Lock()
	s.checkers[name] = checker
	s.mu.Unlock()
}

func (s *Service) UnregisterChecker(name string) {
	s.mu.Lock()
	delete(s.checkers, name)
	s.mu.Unlock()
}

// CheckHealth runs every checker concurrently. The overall status is the
// worst individual one; no checkers means healthy.
func (s *Service) CheckHealth(ctx context.Context) *HealthResponse {
	start := time.Now()

	s.mu.RLock()
	names := make([]string, 0, len(s.checkers))
	checkers := make([]Checker, 0, len(s.checkers))
	for name, c := range s.checkers {
		names = append(names, name)
		checkers = append(checkers, c)
	}
	s.mu.RUnlock()

	results := make([]*Check, len(names))
	var g errgroup.Group
	for i := range names {
		i := i
		g.Go(func() error {
			results[i] = Run(ctx, names[i], checkers[i], s.timeout)
			return nil
		})
	}
	_ = g.Wait()

	resp := &HealthResponse{
		Status:   StatusHealthy,
		Checks:   make(map[string]*Check, len(names)),
		Metadata: s.metadata,
	}
	for i, c := range results {
		resp.Checks[names[i]] = c
		resp.Status = worse(resp.Status, c.Status)
		if !c.Healthy() {
			s.logger.Debug("Health check failed", "check", names[i], "status", c.Status, "reason", c.Reason())
		}
	}
	resp.Timestamp = time.Now()
	resp.Duration = resp.Timestamp.Sub(start)
	return resp
}

// Handler serves the full report: 200 healthy, 206 degraded, 503 otherwise.
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*s.timeout)
		defer cancel()

		resp := s.CheckHealth(ctx)
		code := http.StatusOK
		switch resp.Status {
		case StatusDegraded:
			code = http.StatusPartialContent
		case StatusUnhealthy:
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, resp)
	}
}

// LivenessHandler answers as long as the process serves HTTP.
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive", "timestamp": time.Now()})
	}
}

// ReadinessHandler is 503 only when some check is unhealthy.
func (s *Service) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
		defer cancel()

		resp := s.CheckHealth(ctx)
		ready := resp.Status != StatusUnhealthy
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": resp.Status, "ready": ready, "timestamp": resp.Timestamp})
	}
}
