package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/agentcore/internal/app"
	"github.com/NikhilSetiya/agentcore/pkg/connection"
	"github.com/NikhilSetiya/agentcore/pkg/resilience"
)

const (
	defaultFaultCount = 50
	maxFaultCount     = 500
)

// Handler serves the runtime over HTTP
type Handler struct {
	runtime *app.Runtime
}

// NewHandler creates a handler for rt
func NewHandler(rt *app.Runtime) *Handler {
	return &Handler{runtime: rt}
}

// HealthResponse wraps the system health with a summary status
type HealthResponse struct {
	Status string `json:"status"`
	connection.SystemHealth
}

// healthStatus is unhealthy when an essential service is down or the
// system is critically degraded, degraded when anything else is off.
func healthStatus(h connection.SystemHealth) (string, int) {
	switch {
	case h.EssentialHealthRatio < 1 || h.DegradationLevel >= resilience.LevelCritical:
		return "unhealthy", http.StatusServiceUnavailable
	case h.OverallHealthRatio < 1 || h.DegradationLevel > resilience.LevelNormal:
		return "degraded", http.StatusOK
	default:
		return "healthy", http.StatusOK
	}
}

// SystemHealth reports the connection manager's view of every service
func (h *Handler) SystemHealth(c *gin.Context) {
	sh := h.runtime.SystemHealth()
	status, code := healthStatus(sh)
	respond(c, code, HealthResponse{Status: status, SystemHealth: sh})
}

// StatsResponse is the runtime snapshot plus readable summaries
type StatsResponse struct {
	app.Stats
	Summary map[string]string `json:"summary"`
}

// Stats reports pool, cache, error, queue and worker statistics
func (h *Handler) Stats(c *gin.Context) {
	st := h.runtime.Stats()
	SuccessResponse(c, StatsResponse{
		Stats: st,
		Summary: map[string]string{
			"pool":   humanize.Comma(int64(st.Pool.InUse)) + " in use, " + humanize.Comma(int64(st.Pool.Available)) + " idle of " + humanize.Comma(int64(st.Pool.MaxSize)),
			"cache":  st.Cache.String(),
			"errors": humanize.Comma(int64(st.Errors.TotalFaults)) + " faults",
			"queue":  humanize.Comma(int64(st.Queue.Depth)) + "/" + humanize.Comma(int64(st.Queue.Capacity)) + " queued",
		},
	})
}

// Faults returns the most recent faults from the Redis stream
func (h *Handler) Faults(c *gin.Context) {
	sink := h.runtime.FaultStream()
	if sink == nil {
		fail(c, http.StatusNotFound, "FAULT_STREAM_DISABLED", "fault stream is not configured", nil)
		return
	}

	count := defaultFaultCount
	if v := c.Query("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			BadRequestResponse(c, "count must be a positive integer")
			return
		}
		count = n
	}
	if count > maxFaultCount {
		count = maxFaultCount
	}

	entries, err := sink.Recent(c.Request.Context(), int64(count))
	if err != nil {
		c.Error(err)
		fail(c, http.StatusServiceUnavailable, "FAULT_STREAM_UNAVAILABLE", "fault stream could not be read", nil)
		return
	}
	SuccessResponse(c, gin.H{
		"stream":  sink.Stream(),
		"entries": entries,
	})
}

// TaskRequest is the body of a task submission
type TaskRequest struct {
	Service   string                 `json:"service" binding:"required"`
	Operation string                 `json:"operation" binding:"required"`
	Params    map[string]interface{} `json:"params"`
	NoCache   bool                   `json:"no_cache"`
	// Timeout is a duration string such as "5s"
	Timeout string `json:"timeout"`
}

// RunTask runs one task through the worker queue and waits for its result.
// Failed operations still answer 200; the result carries the fault.
func (h *Handler) RunTask(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, err.Error())
		return
	}

	task := app.Task{
		Service:   req.Service,
		Operation: req.Operation,
		Params:    req.Params,
		NoCache:   req.NoCache,
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			BadRequestResponse(c, "timeout must be a positive duration")
			return
		}
		task.Timeout = d
	}

	res, err := h.runtime.Do(c.Request.Context(), task)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, res)
}

// Reconnect drops every cached connection and re-runs the health sweep
func (h *Handler) Reconnect(c *gin.Context) {
	subject, _ := c.Get("subject")
	h.runtime.Logger().Info("Reconnect requested", "subject", subject)

	sh := h.runtime.ReconnectAll(c.Request.Context())
	status, code := healthStatus(sh)
	respond(c, code, HealthResponse{Status: status, SystemHealth: sh})
}

// ResetErrors clears the boundary's per-severity escalation counters and
// its degraded flag so escalations can fire again
func (h *Handler) ResetErrors(c *gin.Context) {
	subject, _ := c.Get("subject")
	b := h.runtime.Boundary()
	before := b.GetErrorStats()
	b.ResetCounters()
	b.ClearDegraded()
	h.runtime.Logger().Info("Escalation counters reset", "subject", subject, "was_degraded", before.Degraded)

	SuccessResponse(c, gin.H{
		"cleared":      before.BySeverity,
		"was_degraded": before.Degraded,
	})
}
