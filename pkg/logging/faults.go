package logging

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/agentcore/pkg/errors"
)

// FaultSink writes every fault it receives as one structured log entry.
type FaultSink struct {
	logger *Logger
}

// NewFaultSink creates a sink that logs faults through logger. A nil logger
// uses the global one.
func NewFaultSink(logger *Logger) *FaultSink {
	if logger == nil {
		logger = GetLogger()
	}
	return &FaultSink{logger: logger}
}

// Append logs f. Critical and high faults are logged at error level, the rest
// at warning level.
func (s *FaultSink) Append(ctx context.Context, f *errors.Fault) error {
	if f == nil {
		return nil
	}
	entry := s.logger.WithContext(ctx).WithFields(FaultFields(f))

	switch f.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		entry.Error("Fault recorded")
	default:
		entry.Warn("Fault recorded")
	}
	return nil
}

// FaultFields flattens a fault into log fields.
func FaultFields(f *errors.Fault) logrus.Fields {
	fields := logrus.Fields{
		"fault_id":        f.ID,
		"fault_kind":      string(f.Kind),
		"fault_message":   f.Message,
		"severity":        string(f.Severity),
		"category":        string(f.Category),
		"recovery_action": string(f.Plan.Action),
		"blocking":        f.Plan.Blocking,
	}
	if f.Cause != nil {
		fields["cause"] = f.Cause.Error()
	}
	for k, v := range f.Context() {
		fields["ctx_"+k] = v
	}
	return fields
}
