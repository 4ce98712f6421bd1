package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/logging"
)

// AlertSeverity orders alerts for operators.
type AlertSeverity int

const (
	SeverityInfo AlertSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

var alertSeverityNames = [...]string{"INFO", "WARNING", "ERROR", "CRITICAL"}

func (s AlertSeverity) String() string {
	if s < 0 || int(s) >= len(alertSeverityNames) {
		return "UNKNOWN"
	}
	return alertSeverityNames[s]
}

// AlertSeverityFor maps a fault severity onto an alert severity.
func AlertSeverityFor(severity errors.Severity) AlertSeverity {
	switch severity {
	case errors.SeverityCritical:
		return SeverityCritical
	case errors.SeverityHigh:
		return SeverityError
	case errors.SeverityMedium:
		return SeverityWarning
	}
	return SeverityInfo
}

// Alert is one operator notification.
type Alert struct {
	ID          string                 `json:"id"`
	Severity    AlertSeverity          `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Source      string                 `json:"source"`
	Timestamp   time.Time              `json:"timestamp"`
	Tags        map[string]string      `json:"tags"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// AlertHandler delivers alerts somewhere.
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

const (
	defaultAlertBudget = 100
	defaultAlertWindow = time.Hour
)

// AlertManager fans alerts out to its handlers. Each source may send a
// limited number of alerts per window.
type AlertManager struct {
	logger *logging.Logger

	mu          sync.Mutex
	handlers    []AlertHandler
	budget      int
	window      time.Duration
	windowStart time.Time
	sent        map[string]int
	now         func() time.Time
}

// NewAlertManager creates a manager allowing 100 alerts per source per hour.
// A nil logger uses the global one.
func NewAlertManager(logger *logging.Logger) *AlertManager {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &AlertManager{
		logger:      logger,
		budget:      defaultAlertBudget,
		window:      defaultAlertWindow,
		windowStart: time.Now(),
		sent:        make(map[string]int),
		now:         time.Now,
	}
}

// SetRateLimit changes the per-source budget and its window.
func (am *AlertManager) SetRateLimit(budget int, window time.Duration) {
	am.mu.Lock()
	defer am.mu.Unlock()
	if budget > 0 {
		am.budget = budget
	}
	if window > 0 {
		am.window = window
	}
}

func (am *AlertManager) AddHandler(handler AlertHandler) {
	am.mu.Lock()
	am.handlers = append(am.handlers, handler)
	am.mu.Unlock()
	am.logger.Debug("Alert handler added", "handler", handler.Name())
}

// take spends one unit of source's budget.
func (am *AlertManager) take(source string) bool {
	now := am.now()
	if now.Sub(am.windowStart) >= am.window {
		am.sent = make(map[string]int)
		am.windowStart = now
	}
	if am.sent[source] >= am.budget {
		return false
	}
	am.sent[source]++
	return true
}

// SendAlert stamps alert and hands it to every handler outside the lock. It
// fails when the source is over budget or when no handler accepted it.
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) error {
	am.mu.Lock()
	ok := am.take(alert.Source)
	handlers := append([]AlertHandler(nil), am.handlers...)
	am.mu.Unlock()

	if !ok {
		am.logger.Warn("Alert dropped by rate limit", "source", alert.Source, "title", alert.Title)
		return fmt.Errorf("alert rate limit exceeded for source %q", alert.Source)
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = am.now()
	}

	var lastErr error
	delivered := 0
	for _, h := range handlers {
		if err := h.HandleAlert(ctx, alert); err != nil {
			am.logger.Error("Alert handler failed", "handler", h.Name(), "alert_id", alert.ID, "error", err)
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 && lastErr != nil {
		return fmt.Errorf("all alert handlers failed: %w", lastErr)
	}
	return nil
}

// LoggingAlertHandler writes alerts to the log.
type LoggingAlertHandler struct {
	logger *logging.Logger
}

func NewLoggingAlertHandler(logger *logging.Logger) *LoggingAlertHandler {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &LoggingAlertHandler{logger: logger}
}

func (h *LoggingAlertHandler) Name() string { return "logging" }

func (h *LoggingAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	kv := []interface{}{
		"alert_id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"description", alert.Description,
	}
	for k, v := range alert.Tags {
		kv = append(kv, "tag_"+k, v)
	}
	for k, v := range alert.Metadata {
		kv = append(kv, "meta_"+k, v)
	}

	msg := "ALERT: " + alert.Title
	switch alert.Severity {
	case SeverityInfo:
		h.logger.Info(msg, kv...)
	case SeverityWarning:
		h.logger.Warn(msg, kv...)
	default:
		h.logger.Error(msg, kv...)
	}
	return nil
}
