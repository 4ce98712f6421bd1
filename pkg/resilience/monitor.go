package resilience

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/NikhilSetiya/agentcore/pkg/logging"
)

const (
	sourceBoundary    = "error_boundary"
	sourceConnections = "connection_manager"
	sourceMonitor     = "system_health_monitor"
)

// EscalationAlerter turns boundary escalations and essential-service
// failures into alerts.
type EscalationAlerter struct {
	alerts *AlertManager
	logger *logging.Logger
}

func NewEscalationAlerter(alerts *AlertManager, logger *logging.Logger) *EscalationAlerter {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &EscalationAlerter{alerts: alerts, logger: logger}
}

// Escalate implements EscalationHandler.
func (ea *EscalationAlerter) Escalate(ctx context.Context, e Escalation) {
	alert := Alert{
		Severity:    AlertSeverityFor(e.Severity),
		Title:       fmt.Sprintf("%s fault threshold reached", e.Severity),
		Description: fmt.Sprintf("%d %s faults recorded (threshold %d)", e.Count, e.Severity, e.Threshold),
		Source:      sourceBoundary,
		Timestamp:   e.Timestamp,
		Tags:        map[string]string{"severity": string(e.Severity)},
		Metadata:    map[string]interface{}{"count": e.Count, "threshold": e.Threshold},
	}
	if f := e.Fault; f != nil {
		alert.Tags["fault_kind"] = string(f.Kind)
		alert.Tags["category"] = string(f.Category)
		alert.Metadata["fault_id"] = f.ID
		alert.Metadata["last_message"] = f.Message
	}
	ea.send(ctx, alert)
}

// EssentialServiceDown alerts that an essential service failed its health
// check.
func (ea *EscalationAlerter) EssentialServiceDown(ctx context.Context, service, message string) {
	ea.send(ctx, Alert{
		Severity:    SeverityError,
		Title:       "Essential service unhealthy",
		Description: fmt.Sprintf("service %q failed its health check: %s", service, message),
		Source:      sourceConnections,
		Tags:        map[string]string{"service_name": service, "essential": "true"},
	})
}

func (ea *EscalationAlerter) send(ctx context.Context, alert Alert) {
	if err := ea.alerts.SendAlert(ctx, alert); err != nil {
		ea.logger.Error("Failed to send alert", "source", alert.Source, "title", alert.Title, "alert_error", err)
	}
}

var levelSeverity = map[DegradationLevel]AlertSeverity{
	LevelNormal:   SeverityInfo,
	LevelPartial:  SeverityWarning,
	LevelSevere:   SeverityError,
	LevelCritical: SeverityCritical,
}

// SystemHealthMonitor polls a DegradationManager. It alerts when the system
// level changes and when a service becomes unhealthy, once per outage.
type SystemHealthMonitor struct {
	alerts      *AlertManager
	degradation *DegradationManager
	logger      *logging.Logger
	interval    time.Duration

	mu        sync.Mutex
	lastLevel DegradationLevel
	down      map[string]bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSystemHealthMonitor creates a monitor polling every interval, 30s when
// interval is not positive.
func NewSystemHealthMonitor(alerts *AlertManager, degradation *DegradationManager, interval time.Duration) *SystemHealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SystemHealthMonitor{
		alerts:      alerts,
		degradation: degradation,
		logger:      alerts.logger,
		interval:    interval,
		down:        make(map[string]bool),
	}
}

// Running reports whether the polling loop is active.
func (m *SystemHealthMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Start launches the polling loop. A second Start is a no-op.
func (m *SystemHealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	m.logger.Info("System health monitor started", "interval", m.interval)
}

// Stop ends the loop and waits for it.
func (m *SystemHealthMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("System health monitor stopped")
}

func (m *SystemHealthMonitor) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Check(ctx)
		}
	}
}

// Check runs one poll.
func (m *SystemHealthMonitor) Check(ctx context.Context) {
	level := m.degradation.GetCurrentDegradationLevel()
	all := m.degradation.GetAllServiceHealth()

	m.mu.Lock()
	prev := m.lastLevel
	m.lastLevel = level
	var newlyDown []*ServiceHealth
	for name, h := range all {
		if !h.Healthy && !m.down[name] {
			newlyDown = append(newlyDown, h)
		}
		m.down[name] = !h.Healthy
	}
	m.mu.Unlock()

	if level != prev {
		m.send(ctx, Alert{
			Severity:    levelSeverity[level],
			Title:       "System degradation level changed",
			Description: fmt.Sprintf("degradation level changed from %s to %s", prev, level),
			Source:      sourceMonitor,
			Tags:        map[string]string{"previous_level": prev.String(), "current_level": level.String()},
			Metadata:    map[string]interface{}{"unhealthy_services": m.degradation.GetUnhealthyServices()},
		})
	}
	for _, h := range newlyDown {
		sev := SeverityWarning
		if h.Essential {
			sev = SeverityError
		}
		m.send(ctx, Alert{
			Severity:    sev,
			Title:       "Service unhealthy",
			Description: fmt.Sprintf("service %q is unhealthy: %s", h.Name, h.Message),
			Source:      sourceMonitor,
			Tags:        map[string]string{"service_name": h.Name, "essential": strconv.FormatBool(h.Essential)},
			Metadata: map[string]interface{}{
				"error_count":   h.ErrorCount,
				"response_time": h.ResponseTime.String(),
				"last_check":    h.LastCheck,
			},
		})
	}
}

func (m *SystemHealthMonitor) send(ctx context.Context, alert Alert) {
	if err := m.alerts.SendAlert(ctx, alert); err != nil {
		m.logger.Error("Failed to send health alert", "title", alert.Title, "error", err)
	}
}
