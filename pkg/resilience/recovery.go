package resilience

import (
	"context"
	"fmt"

	"github.com/NikhilSetiya/agentcore/pkg/errors"
)

// RecoveryRequest carries everything a handler needs to recover from a fault.
type RecoveryRequest struct {
	Fault      *errors.Fault
	Fallback   Operation
	Default    interface{}
	HasDefault bool
	Operation  string
}

// RecoveryHandler applies one recovery action. Every action shares this
// contract. A returned error means recovery itself failed and the boundary
// surfaces the original fault instead.
type RecoveryHandler interface {
	Recover(ctx context.Context, req *RecoveryRequest) (Result, error)
}

// RecoveryFunc adapts a function to RecoveryHandler.
type RecoveryFunc func(ctx context.Context, req *RecoveryRequest) (Result, error)

// Recover calls f.
func (f RecoveryFunc) Recover(ctx context.Context, req *RecoveryRequest) (Result, error) {
	return f(ctx, req)
}

// Reconciler restores configuration from a known-good copy.
type Reconciler interface {
	// Snapshot captures current state before reconciling. Failures are logged
	// and reconciliation continues without a snapshot.
	Snapshot(ctx context.Context) (interface{}, error)
	Reconcile(ctx context.Context, f *errors.Fault, snapshot interface{}) (interface{}, error)
}

func (b *Boundary) defaultHandlers() map[errors.Action]RecoveryHandler {
	return map[errors.Action]RecoveryHandler{
		errors.ActionUseFallback:         RecoveryFunc(b.useFallback),
		errors.ActionBypassWithWarning:   RecoveryFunc(b.bypassWithWarning),
		errors.ActionSubstituteDefault:   RecoveryFunc(b.substituteDefault),
		errors.ActionSilentContinue:      RecoveryFunc(b.silentContinue),
		errors.ActionApplySafeguards:     RecoveryFunc(b.applySafeguards),
		errors.ActionCleanupAndRetry:     RecoveryFunc(b.cleanupAndRetry),
		errors.ActionReconcileWithBackup: RecoveryFunc(b.reconcileWithBackup),
		errors.ActionMinimalFallbackMode: RecoveryFunc(b.minimalFallbackMode),
		errors.ActionLogAndContinue:      RecoveryFunc(b.logAndContinue),
	}
}

func (b *Boundary) dispatch(ctx context.Context, req *RecoveryRequest) (res Result, err error) {
	handler, ok := b.handlers[req.Fault.Plan.Action]
	if !ok {
		handler = RecoveryFunc(b.logAndContinue)
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.LogPanic(ctx, r, "Recovered panic in recovery handler")
			err = fmt.Errorf("recovery handler panicked: %v", r)
		}
	}()
	return handler.Recover(ctx, req)
}

// runFallback executes a fallback, converting panics into errors.
func (b *Boundary) runFallback(ctx context.Context, fallback Operation) (data interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fallback panicked: %v", r)
		}
	}()
	return fallback(ctx)
}

func (b *Boundary) useFallback(ctx context.Context, req *RecoveryRequest) (Result, error) {
	if req.Fallback == nil {
		b.logger.Warn("No fallback supplied",
			"operation", req.Operation,
			"fault_id", req.Fault.ID,
		)
		return Result{Success: false, Method: MethodFallback, Message: "no fallback available"}, nil
	}

	data, err := b.runFallback(ctx, req.Fallback)
	if err != nil {
		return Result{}, err
	}
	b.logger.Info("Using fallback",
		"operation", req.Operation,
		"fault_id", req.Fault.ID,
		"fallback_id", req.Fault.Plan.FallbackID,
	)
	return Result{Success: true, Data: data, Method: MethodFallback}, nil
}

func (b *Boundary) bypassWithWarning(ctx context.Context, req *RecoveryRequest) (Result, error) {
	b.logger.Warn("Bypassing failed step",
		"operation", req.Operation,
		"fault_id", req.Fault.ID,
		"message", req.Fault.Message,
	)
	return Result{
		Success: true,
		Data:    map[string]interface{}{"bypassed": true},
		Method:  MethodBypass,
	}, nil
}

func (b *Boundary) substituteDefault(ctx context.Context, req *RecoveryRequest) (Result, error) {
	if req.HasDefault {
		return Result{Success: true, Data: req.Default, Method: MethodDefault}, nil
	}
	if req.Fallback != nil {
		data, err := b.runFallback(ctx, req.Fallback)
		if err != nil {
			return Result{}, err
		}
		return Result{Success: true, Data: data, Method: MethodDefault}, nil
	}
	return Result{
		Success: true,
		Data:    map[string]interface{}{"substituted": req.Fault.Plan.FallbackID},
		Method:  MethodDefault,
	}, nil
}

func (b *Boundary) silentContinue(ctx context.Context, req *RecoveryRequest) (Result, error) {
	b.logger.Debug("Continuing without optional step",
		"operation", req.Operation,
		"fault_id", req.Fault.ID,
	)
	return Result{Success: true, Method: MethodSilent}, nil
}

func (b *Boundary) applySafeguards(ctx context.Context, req *RecoveryRequest) (Result, error) {
	if req.Fault.Plan.Blocking {
		return Result{Success: false, Method: MethodSafeguards, Message: "manual intervention required"}, req.Fault
	}
	b.logger.Warn("Safeguards applied",
		"operation", req.Operation,
		"fault_id", req.Fault.ID,
	)
	return Result{
		Success: true,
		Data:    map[string]interface{}{"safeguardsApplied": true},
		Method:  MethodSafeguards,
	}, nil
}

func (b *Boundary) cleanupAndRetry(ctx context.Context, req *RecoveryRequest) (Result, error) {
	if b.cleanup != nil {
		if err := b.cleanup(ctx); err != nil {
			return Result{}, fmt.Errorf("cleanup: %w", err)
		}
	}
	retryAfter := req.Fault.Plan.Backoff.Delay(1)
	b.logger.Info("Cleanup complete, caller may retry",
		"operation", req.Operation,
		"fault_id", req.Fault.ID,
		"retry_after", retryAfter,
	)
	return Result{
		Success:    false,
		Data:       map[string]interface{}{"cleaned": b.cleanup != nil},
		Method:     MethodCleanup,
		Message:    "cleanup complete, retry permitted",
		RetryAfter: retryAfter,
	}, nil
}

func (b *Boundary) reconcileWithBackup(ctx context.Context, req *RecoveryRequest) (Result, error) {
	if b.reconciler == nil {
		b.logger.Warn("No reconciler configured",
			"operation", req.Operation,
			"fault_id", req.Fault.ID,
		)
		return Result{Success: false, Method: MethodReconcile, Message: "no reconciler configured"}, nil
	}

	snapshot, err := b.reconciler.Snapshot(ctx)
	if err != nil {
		b.logger.Warn("Snapshot before reconcile failed",
			"fault_id", req.Fault.ID,
			"error", err.Error(),
		)
		snapshot = nil
	}

	data, err := b.reconciler.Reconcile(ctx, req.Fault, snapshot)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: %w", err)
	}
	return Result{Success: true, Data: data, Method: MethodReconcile}, nil
}

func (b *Boundary) minimalFallbackMode(ctx context.Context, req *RecoveryRequest) (Result, error) {
	if !b.degraded.Swap(true) {
		b.logger.Warn("Entering minimal fallback mode",
			"operation", req.Operation,
			"fault_id", req.Fault.ID,
		)
	}

	var data interface{}
	if req.Fallback != nil {
		var err error
		if data, err = b.runFallback(ctx, req.Fallback); err != nil {
			return Result{}, err
		}
	}
	return Result{Success: true, Data: data, Method: MethodMinimal, Message: "minimal mode active"}, nil
}

func (b *Boundary) logAndContinue(ctx context.Context, req *RecoveryRequest) (Result, error) {
	b.logger.Error("Unhandled fault",
		"operation", req.Operation,
		"fault_id", req.Fault.ID,
		"kind", req.Fault.Kind,
		"message", req.Fault.Message,
	)
	if req.Fallback == nil {
		return Result{Success: false, Method: MethodLogged}, nil
	}

	data, err := b.runFallback(ctx, req.Fallback)
	if err != nil {
		return Result{}, err
	}
	return Result{Success: true, Data: data, Method: MethodFallback}, nil
}
