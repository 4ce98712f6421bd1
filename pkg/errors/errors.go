package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Fault is a classified failure event. It is created at the point of failure
// and never mutated afterwards.
type Fault struct {
	ID        string
	Kind      Kind
	Message   string
	Timestamp time.Time
	Severity  Severity
	Category  Category
	Plan      RecoveryPlan
	Cause     error

	context map[string]interface{}
}

// Error implements the error interface
func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap returns the underlying cause
func (f *Fault) Unwrap() error {
	return f.Cause
}

// Context returns a copy of the fields captured when the fault was raised.
func (f *Fault) Context() map[string]interface{} {
	return copyContext(f.context)
}

// ContextValue returns a single context value.
func (f *Fault) ContextValue(key string) (interface{}, bool) {
	v, ok := f.context[key]
	return v, ok
}

// MarshalJSON renders the fault as a flat record for external sinks.
func (f *Fault) MarshalJSON() ([]byte, error) {
	record := struct {
		ID        string                 `json:"id"`
		Kind      Kind                   `json:"kind"`
		Message   string                 `json:"message"`
		Context   map[string]interface{} `json:"context,omitempty"`
		Timestamp time.Time              `json:"timestamp"`
		Severity  Severity               `json:"severity"`
		Category  Category               `json:"category"`
		Plan      RecoveryPlan           `json:"recovery_plan"`
		Cause     string                 `json:"cause,omitempty"`
	}{
		ID:        f.ID,
		Kind:      f.Kind,
		Message:   f.Message,
		Context:   f.context,
		Timestamp: f.Timestamp,
		Severity:  f.Severity,
		Category:  f.Category,
		Plan:      f.Plan,
	}
	if f.Cause != nil {
		record.Cause = f.Cause.Error()
	}
	return json.Marshal(record)
}

// Classify builds a fault for kind, looking severity, category and recovery
// plan up from the static tables.
func Classify(kind Kind, message string, fields map[string]interface{}) *Fault {
	return Wrap(kind, nil, message, fields)
}

// Wrap classifies kind and attaches cause.
func Wrap(kind Kind, cause error, message string, fields map[string]interface{}) *Fault {
	def := lookup(kind)
	if message == "" && cause != nil {
		message = cause.Error()
	}

	return &Fault{
		ID:        uuid.New().String(),
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
		Severity:  def.severity,
		Category:  def.category,
		Plan:      def.plan,
		Cause:     cause,
		context:   copyContext(fields),
	}
}

// FromError coerces err into a fault. Existing faults are returned unchanged;
// extra context is only attached to newly created faults.
func FromError(err error, fields map[string]interface{}) *Fault {
	if err == nil {
		return nil
	}
	if f, ok := As(err); ok {
		return f
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindOperationTimeout, err, "", fields)
	}
	return Wrap(KindUnknown, err, "", fields)
}

// Kind-specific constructors

func NewConnectionFailed(service, message string) *Fault {
	return Classify(KindConnectionFailed, message, map[string]interface{}{"service": service})
}

func NewResourceExhausted(resource, message string) *Fault {
	return Classify(KindResourceExhausted, message, map[string]interface{}{"resource": resource})
}

func NewValidationFailed(message string) *Fault {
	return Classify(KindValidationFailed, message, nil)
}

func NewLifecycleSpawnFailed(component, message string) *Fault {
	return Classify(KindLifecycleSpawnFailed, message, map[string]interface{}{"component": component})
}

func NewConfigurationMismatch(key, message string) *Fault {
	return Classify(KindConfigurationMismatch, message, map[string]interface{}{"key": key})
}

func NewInstallationFailed(component, message string) *Fault {
	return Classify(KindInstallationFailed, message, map[string]interface{}{"component": component})
}

func NewOperationTimeout(operation string) *Fault {
	return Classify(KindOperationTimeout, fmt.Sprintf("%s timed out", operation),
		map[string]interface{}{"operation": operation})
}

func NewOptionalUnavailable(subsystem string) *Fault {
	return Classify(KindOptionalUnavailable, fmt.Sprintf("%s unavailable", subsystem),
		map[string]interface{}{"subsystem": subsystem})
}

func NewHookFailed(hook string, cause error) *Fault {
	return Wrap(KindHookFailed, cause, fmt.Sprintf("hook %s failed", hook),
		map[string]interface{}{"hook": hook})
}

// As returns the first fault in err's chain.
func As(err error) (*Fault, bool) {
	var f *Fault
	if stderrors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsKind checks if the error is a fault of a specific kind
func IsKind(err error, kind Kind) bool {
	f, ok := As(err)
	return ok && f.Kind == kind
}

// GetKind returns the fault kind, or KindUnknown for plain errors
func GetKind(err error) Kind {
	if f, ok := As(err); ok {
		return f.Kind
	}
	return KindUnknown
}

func copyContext(in map[string]interface{}) map[string]interface{} {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
