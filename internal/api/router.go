// Package api exposes the runtime's health, statistics, metrics and task
// submission over HTTP.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/agentcore/internal/app"
	"github.com/NikhilSetiya/agentcore/pkg/health"
)

// NewRouter creates and configures the API router
func NewRouter(rt *app.Runtime) *gin.Engine {
	cfg := rt.Config()
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	logger := rt.Logger()

	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(logger))
	router.Use(RecoveryMiddleware(logger, rt.Metrics()))
	router.Use(CORSMiddleware(cfg.Monitoring.CORSOrigins))
	router.Use(SecurityHeadersMiddleware())
	router.Use(rt.Metrics().PrometheusMiddleware())
	router.Use(rt.Tracing().Middleware())

	readiness := rt.Readiness(health.DefaultConfig())
	h := NewHandler(rt)

	router.GET("/healthz", readiness.LivenessHandler())
	router.GET("/readyz", readiness.ReadinessHandler())
	router.GET("/health", h.SystemHealth)
	router.GET("/health/checks", readiness.Handler())
	router.GET("/metrics", gin.WrapH(rt.Metrics().Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/stats", h.Stats)
		v1.GET("/faults", h.Faults)
		tasks := []gin.HandlerFunc{h.RunTask}
		if limit := cfg.Monitoring.TaskRateLimit; limit > 0 {
			var client redis.UniversalClient
			if fs := rt.FaultStream(); fs != nil {
				client = fs.Client()
			}
			limiter := NewRateLimiter(limit, cfg.Monitoring.TaskRateWindow, client, logger)
			tasks = append([]gin.HandlerFunc{limiter.Middleware()}, tasks...)
		}
		v1.POST("/tasks", tasks...)

		if cfg.Monitoring.AdminEnabled {
			admin := v1.Group("/admin")
			admin.Use(AdminAuthMiddleware(cfg.Monitoring.JWTSecret))
			{
				admin.POST("/reconnect", h.Reconnect)
				admin.POST("/errors/reset", h.ResetErrors)
			}
		}
	}

	return router
}
