package resilience

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/logging"
	"github.com/NikhilSetiya/agentcore/pkg/tracing"
)

// Operation is a unit of work run through the boundary. Fallbacks share the
// same shape.
type Operation func(ctx context.Context) (interface{}, error)

// Result methods identify which path produced a boundary result.
const (
	MethodDirect     = "direct"
	MethodFallback   = "fallback"
	MethodBypass     = "bypass"
	MethodDefault    = "default"
	MethodSilent     = "silent"
	MethodSafeguards = "safeguards"
	MethodCleanup    = "cleanup"
	MethodReconcile  = "reconcile"
	MethodMinimal    = "minimal"
	MethodLogged     = "logged"
)

// Result is the envelope returned by every boundary-mediated call. Callers
// must inspect it: a degraded result is not an error.
type Result struct {
	Success    bool          `json:"success"`
	Data       interface{}   `json:"data,omitempty"`
	Error      error         `json:"-"`
	Method     string        `json:"method"`
	Message    string        `json:"message,omitempty"`
	Fault      *errors.Fault `json:"fault,omitempty"`
	Degraded   bool          `json:"degraded"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// FaultSink receives every recorded fault. Implementations own format and
// retention.
type FaultSink interface {
	Append(ctx context.Context, f *errors.Fault) error
}

// Escalation is delivered when a severity counter reaches its threshold.
type Escalation struct {
	Severity  errors.Severity `json:"severity"`
	Count     int             `json:"count"`
	Threshold int             `json:"threshold"`
	Fault     *errors.Fault   `json:"fault"`
	Timestamp time.Time       `json:"timestamp"`
}

// EscalationHandler is notified of escalations. It runs synchronously on the
// goroutine that recorded the fault.
type EscalationHandler interface {
	Escalate(ctx context.Context, e Escalation)
}

// EscalationFunc adapts a function to EscalationHandler.
type EscalationFunc func(ctx context.Context, e Escalation)

// Escalate calls f.
func (f EscalationFunc) Escalate(ctx context.Context, e Escalation) { f(ctx, e) }

// Observer receives boundary telemetry. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveExecution(operation, method string, success bool, duration time.Duration)
	ObserveFault(f *errors.Fault)
	ObserveEscalation(severity errors.Severity)
}

// BoundaryConfig configures an error boundary.
type BoundaryConfig struct {
	// MaxErrorLog bounds the in-memory fault log
	MaxErrorLog int `yaml:"max_error_log"`
	// Thresholds overrides escalation thresholds per severity
	Thresholds map[errors.Severity]int `yaml:"thresholds"`
}

// DefaultBoundaryConfig returns the default boundary configuration.
func DefaultBoundaryConfig() BoundaryConfig {
	return BoundaryConfig{
		MaxErrorLog: 100,
		Thresholds:  errors.EscalationThresholds(),
	}
}

// BoundaryOption customises a boundary.
type BoundaryOption func(*Boundary)

// WithLogger sets the boundary logger.
func WithLogger(logger *logging.Logger) BoundaryOption {
	return func(b *Boundary) { b.logger = logger }
}

// WithSink adds a fault sink. Multiple sinks are called in order.
func WithSink(sink FaultSink) BoundaryOption {
	return func(b *Boundary) { b.sinks = append(b.sinks, sink) }
}

// WithEscalationHandler sets the escalation callback.
func WithEscalationHandler(h EscalationHandler) BoundaryOption {
	return func(b *Boundary) { b.escalation = h }
}

// WithCleanup sets the hook run by the cleanup-and-retry handler.
func WithCleanup(fn func(ctx context.Context) error) BoundaryOption {
	return func(b *Boundary) { b.cleanup = fn }
}

// WithReconciler sets the reconciler used by reconcile-with-backup.
func WithReconciler(r Reconciler) BoundaryOption {
	return func(b *Boundary) { b.reconciler = r }
}

// WithHandler replaces the recovery handler for action.
func WithHandler(action errors.Action, h RecoveryHandler) BoundaryOption {
	return func(b *Boundary) { b.handlers[action] = h }
}

// WithObserver sets the telemetry observer.
func WithObserver(o Observer) BoundaryOption {
	return func(b *Boundary) { b.observer = o }
}

// ExecOption customises a single Execute call.
type ExecOption func(*execOptions)

type execOptions struct {
	name       string
	fields     map[string]interface{}
	def        interface{}
	hasDefault bool
}

// WithContext attaches fields to any fault raised by the call.
func WithContext(fields map[string]interface{}) ExecOption {
	return func(o *execOptions) {
		if o.fields == nil {
			o.fields = make(map[string]interface{}, len(fields))
		}
		for k, v := range fields {
			o.fields[k] = v
		}
	}
}

// WithDefault supplies the value substituted by substitute-default.
func WithDefault(value interface{}) ExecOption {
	return func(o *execOptions) {
		o.def = value
		o.hasDefault = true
	}
}

// WithOperationName labels the call in logs, spans and metrics.
func WithOperationName(name string) ExecOption {
	return func(o *execOptions) { o.name = name }
}

// ErrorStats is a read-only snapshot of boundary state.
type ErrorStats struct {
	TotalFaults        int                     `json:"total_faults"`
	BySeverity         map[errors.Severity]int `json:"by_severity"`
	ByKind             map[errors.Kind]int     `json:"by_kind"`
	Escalations        int                     `json:"escalations"`
	Successes          int64                   `json:"successes"`
	LastSuccess        time.Time               `json:"last_success"`
	AvgSuccessDuration time.Duration           `json:"avg_success_duration"`
	RecentFaults       []*errors.Fault         `json:"recent_faults"`
	Degraded           bool                    `json:"degraded"`
}

// Boundary runs operations, classifies their failures and applies the
// recovery plan of each fault.
type Boundary struct {
	config     BoundaryConfig
	logger     *logging.Logger
	sinks      []FaultSink
	escalation EscalationHandler
	observer   Observer
	cleanup    func(ctx context.Context) error
	reconciler Reconciler
	handlers   map[errors.Action]RecoveryHandler

	mu            sync.Mutex
	log           []*errors.Fault
	counters      map[errors.Severity]int
	totalFaults   int
	byKind        map[errors.Kind]int
	escalations   int
	successes     int64
	successTotal  time.Duration
	lastSuccessAt time.Time

	degraded atomic.Bool
}

// NewBoundary creates a boundary with the default recovery handlers.
func NewBoundary(config BoundaryConfig, opts ...BoundaryOption) *Boundary {
	if config.MaxErrorLog <= 0 {
		config.MaxErrorLog = 100
	}
	thresholds := errors.EscalationThresholds()
	for sev, n := range config.Thresholds {
		if n > 0 {
			thresholds[sev] = n
		}
	}
	config.Thresholds = thresholds

	b := &Boundary{
		config:   config,
		logger:   logging.GetLogger(),
		counters: make(map[errors.Severity]int),
		byKind:   make(map[errors.Kind]int),
	}
	b.handlers = b.defaultHandlers()

	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs op. On failure the fault is recorded and dispatched to the
// handler named by its recovery plan. An error is returned only when the plan
// is blocking or the recovery handler itself fails; in both cases it is the
// original fault.
func (b *Boundary) Execute(ctx context.Context, op Operation, fallback Operation, opts ...ExecOption) (Result, error) {
	eo := execOptions{name: "operation"}
	for _, opt := range opts {
		opt(&eo)
	}

	ctx, span := tracing.Start(ctx, "boundary.execute", attribute.String("operation", eo.name))
	start := time.Now()

	data, err := b.run(ctx, op)
	if err == nil {
		elapsed := time.Since(start)
		b.recordSuccess(elapsed)
		res := Result{Success: true, Data: data, Method: MethodDirect, Duration: elapsed}
		b.observe(eo.name, res)
		span.SetAttributes(attribute.String("result.method", res.Method))
		tracing.End(span, nil)
		return res, nil
	}

	fields := eo.fields
	if eo.name != "operation" {
		fields = withField(fields, "operation", eo.name)
	}
	fault := b.record(ctx, err, fields)
	span.SetAttributes(
		attribute.String("fault.kind", string(fault.Kind)),
		attribute.String("fault.severity", string(fault.Severity)),
		attribute.String("recovery.action", string(fault.Plan.Action)),
	)

	if fault.Plan.Blocking {
		b.logger.Error("Blocking fault requires manual intervention",
			"operation", eo.name,
			"fault_id", fault.ID,
			"kind", fault.Kind,
		)
		res := Result{
			Success:  false,
			Error:    fault,
			Method:   MethodSafeguards,
			Fault:    fault,
			Message:  "manual intervention required",
			Duration: time.Since(start),
		}
		b.observe(eo.name, res)
		tracing.End(span, fault)
		return res, fault
	}

	req := &RecoveryRequest{
		Fault:      fault,
		Fallback:   fallback,
		Default:    eo.def,
		HasDefault: eo.hasDefault,
		Operation:  eo.name,
	}
	res, herr := b.dispatch(ctx, req)
	res.Fault = fault
	res.Duration = time.Since(start)
	if res.Method != MethodDirect {
		res.Degraded = true
	}

	if herr != nil {
		b.logger.Error("Recovery handler failed, surfacing original fault",
			"operation", eo.name,
			"fault_id", fault.ID,
			"action", fault.Plan.Action,
			"recovery_error", herr.Error(),
		)
		res.Success = false
		res.Error = fault
		b.observe(eo.name, res)
		tracing.End(span, fault)
		return res, fault
	}

	if !res.Success && res.Error == nil {
		res.Error = fault
	}
	b.observe(eo.name, res)
	span.SetAttributes(attribute.String("result.method", res.Method))
	tracing.End(span, nil)
	return res, nil
}

// Report records err as a fault without running recovery. Used for failures
// that are handled elsewhere, such as intermediate retry attempts.
func (b *Boundary) Report(ctx context.Context, err error, fields map[string]interface{}) *errors.Fault {
	if err == nil {
		return nil
	}
	return b.record(ctx, err, fields)
}

// GetErrorStats returns a snapshot of counters and the recent fault log.
func (b *Boundary) GetErrorStats() ErrorStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := ErrorStats{
		TotalFaults:  b.totalFaults,
		BySeverity:   make(map[errors.Severity]int, len(b.counters)),
		ByKind:       make(map[errors.Kind]int, len(b.byKind)),
		Escalations:  b.escalations,
		Successes:    b.successes,
		LastSuccess:  b.lastSuccessAt,
		RecentFaults: append([]*errors.Fault(nil), b.log...),
		Degraded:     b.degraded.Load(),
	}
	for k, v := range b.counters {
		stats.BySeverity[k] = v
	}
	for k, v := range b.byKind {
		stats.ByKind[k] = v
	}
	if b.successes > 0 {
		stats.AvgSuccessDuration = b.successTotal / time.Duration(b.successes)
	}
	return stats
}

// ResetCounters zeroes the per-severity counters so escalation can fire again.
func (b *Boundary) ResetCounters() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counters = make(map[errors.Severity]int)
}

// Degraded reports whether minimal-fallback-mode has been entered.
func (b *Boundary) Degraded() bool { return b.degraded.Load() }

// ClearDegraded leaves minimal-fallback-mode.
func (b *Boundary) ClearDegraded() { b.degraded.Store(false) }

// Threshold returns the escalation threshold in effect for severity.
func (b *Boundary) Threshold(severity errors.Severity) int {
	if n, ok := b.config.Thresholds[severity]; ok {
		return n
	}
	return errors.EscalationThreshold(severity)
}

func (b *Boundary) run(ctx context.Context, op Operation) (data interface{}, err error) {
	if op == nil {
		return nil, errors.Classify(errors.KindValidationFailed, "nil operation", nil)
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.LogPanic(ctx, r, "Recovered panic in boundary operation")
			err = errors.Wrap(errors.KindUnknown, fmt.Errorf("panic: %v", r), "operation panicked", nil)
		}
	}()
	return op(ctx)
}

func (b *Boundary) record(ctx context.Context, err error, fields map[string]interface{}) *errors.Fault {
	fault := errors.FromError(err, fields)

	b.mu.Lock()
	b.log = append(b.log, fault)
	if over := len(b.log) - b.config.MaxErrorLog; over > 0 {
		b.log = append(b.log[:0:0], b.log[over:]...)
	}
	b.totalFaults++
	b.byKind[fault.Kind]++
	b.counters[fault.Severity]++
	count := b.counters[fault.Severity]
	threshold := b.Threshold(fault.Severity)
	escalate := fault.Plan.Escalate && count == threshold
	if escalate {
		b.escalations++
	}
	b.mu.Unlock()

	b.logger.WithContext(ctx).WithFields(logging.FaultFields(fault)).Debug("Fault classified")

	for _, sink := range b.sinks {
		if serr := sink.Append(ctx, fault); serr != nil {
			b.logger.Warn("Fault sink append failed",
				"fault_id", fault.ID,
				"error", serr.Error(),
			)
		}
	}
	if b.observer != nil {
		b.observer.ObserveFault(fault)
	}

	if escalate {
		b.logger.Warn("Fault threshold reached, escalating",
			"severity", fault.Severity,
			"count", count,
			"threshold", threshold,
			"fault_id", fault.ID,
		)
		if b.observer != nil {
			b.observer.ObserveEscalation(fault.Severity)
		}
		if b.escalation != nil {
			b.escalation.Escalate(ctx, Escalation{
				Severity:  fault.Severity,
				Count:     count,
				Threshold: threshold,
				Fault:     fault,
				Timestamp: time.Now(),
			})
		}
	}

	return fault
}

func (b *Boundary) recordSuccess(elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	b.successTotal += elapsed
	b.lastSuccessAt = time.Now()
}

func (b *Boundary) observe(name string, res Result) {
	if b.observer != nil {
		b.observer.ObserveExecution(name, res.Method, res.Success, res.Duration)
	}
}

func withField(fields map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	if _, exists := out[key]; !exists {
		out[key] = value
	}
	return out
}
