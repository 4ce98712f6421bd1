package errors

import (
	"math"
	"time"
)

// Kind identifies what failed.
type Kind string

const (
	KindConnectionFailed      Kind = "connection_failed"
	KindResourceExhausted     Kind = "resource_exhausted"
	KindValidationFailed      Kind = "validation_failed"
	KindLifecycleSpawnFailed  Kind = "lifecycle_spawn_failed"
	KindConfigurationMismatch Kind = "configuration_mismatch"
	KindInstallationFailed    Kind = "installation_failed"
	KindOperationTimeout      Kind = "operation_timeout"
	KindOptionalUnavailable   Kind = "optional_unavailable"
	KindHookFailed            Kind = "hook_failed"
	KindUnknown               Kind = "unknown"
)

// Severity of a fault. Escalation thresholds are keyed by severity.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Severities lists every severity, most severe first.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Category groups faults by the subsystem they come from.
type Category string

const (
	CategoryConnectivity  Category = "connectivity"
	CategoryPerformance   Category = "performance"
	CategorySecurity      Category = "security"
	CategoryFramework     Category = "framework"
	CategoryConfiguration Category = "configuration"
	CategorySetup         Category = "setup"
	CategoryAvailability  Category = "availability"
	CategoryGeneral       Category = "general"
)

// Action names the recovery handler the error boundary dispatches to.
type Action string

const (
	ActionUseFallback         Action = "use-fallback"
	ActionBypassWithWarning   Action = "bypass-with-warning"
	ActionSubstituteDefault   Action = "substitute-default"
	ActionSilentContinue      Action = "silent-continue"
	ActionApplySafeguards     Action = "apply-safeguards"
	ActionCleanupAndRetry     Action = "cleanup-and-retry"
	ActionReconcileWithBackup Action = "reconcile-with-backup"
	ActionMinimalFallbackMode Action = "minimal-fallback-mode"
	ActionLogAndContinue      Action = "log-and-continue"
)

// BackoffPolicy describes an exponential backoff schedule.
type BackoffPolicy struct {
	BaseDelay time.Duration `json:"base_delay"`
	MaxDelay  time.Duration `json:"max_delay"`
	Factor    float64       `json:"factor"`
}

// Delay returns the wait before retry number attempt (1-indexed):
// BaseDelay * Factor^(attempt-1), capped at MaxDelay.
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || b.BaseDelay <= 0 {
		return 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(b.BaseDelay) * math.Pow(factor, float64(attempt-1))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

// RecoveryPlan is derived statically from a fault kind.
type RecoveryPlan struct {
	Action     Action        `json:"action"`
	RetryCount int           `json:"retry_count"`
	Backoff    BackoffPolicy `json:"backoff"`
	FallbackID string        `json:"fallback_id,omitempty"`
	Blocking   bool          `json:"blocking"`
	Escalate   bool          `json:"escalate"`
}

type definition struct {
	severity Severity
	category Category
	plan     RecoveryPlan
}

// DefaultConnectionBackoff is the retry schedule used for connection failures.
var DefaultConnectionBackoff = BackoffPolicy{
	BaseDelay: time.Second,
	MaxDelay:  10 * time.Second,
	Factor:    2,
}

var definitions = map[Kind]definition{
	KindConnectionFailed: {
		severity: SeverityMedium,
		category: CategoryConnectivity,
		plan: RecoveryPlan{
			Action:     ActionUseFallback,
			RetryCount: 3,
			Backoff:    DefaultConnectionBackoff,
			FallbackID: "offline",
			Escalate:   true,
		},
	},
	KindResourceExhausted: {
		severity: SeverityMedium,
		category: CategoryPerformance,
		plan: RecoveryPlan{
			Action:     ActionCleanupAndRetry,
			RetryCount: 1,
			Backoff:    BackoffPolicy{BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Factor: 2},
			Escalate:   true,
		},
	},
	KindValidationFailed: {
		severity: SeverityCritical,
		category: CategorySecurity,
		plan: RecoveryPlan{
			Action:   ActionApplySafeguards,
			Blocking: true,
			Escalate: true,
		},
	},
	KindLifecycleSpawnFailed: {
		severity: SeverityHigh,
		category: CategoryFramework,
		plan: RecoveryPlan{
			Action:     ActionSubstituteDefault,
			FallbackID: "minimal-instance",
			Escalate:   true,
		},
	},
	KindConfigurationMismatch: {
		severity: SeverityMedium,
		category: CategoryConfiguration,
		plan: RecoveryPlan{
			Action:     ActionReconcileWithBackup,
			FallbackID: "last-known-good",
			Escalate:   true,
		},
	},
	KindInstallationFailed: {
		severity: SeverityHigh,
		category: CategorySetup,
		plan: RecoveryPlan{
			Action:     ActionMinimalFallbackMode,
			FallbackID: "minimal",
			Escalate:   true,
		},
	},
	KindOperationTimeout: {
		severity: SeverityMedium,
		category: CategoryPerformance,
		plan: RecoveryPlan{
			Action:     ActionCleanupAndRetry,
			RetryCount: 2,
			Backoff:    BackoffPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Factor: 2},
			Escalate:   true,
		},
	},
	KindOptionalUnavailable: {
		severity: SeverityLow,
		category: CategoryAvailability,
		plan: RecoveryPlan{
			Action:   ActionSilentContinue,
			Escalate: true,
		},
	},
	KindHookFailed: {
		severity: SeverityLow,
		category: CategoryFramework,
		plan: RecoveryPlan{
			Action:   ActionBypassWithWarning,
			Escalate: true,
		},
	},
}

var unknownDefinition = definition{
	severity: SeverityMedium,
	category: CategoryGeneral,
	plan: RecoveryPlan{
		Action:   ActionLogAndContinue,
		Escalate: true,
	},
}

var escalationThresholds = map[Severity]int{
	SeverityCritical: 1,
	SeverityHigh:     3,
	SeverityMedium:   10,
	SeverityLow:      50,
}

func lookup(kind Kind) definition {
	if def, ok := definitions[kind]; ok {
		return def
	}
	return unknownDefinition
}

// PlanFor returns the recovery plan for kind.
func PlanFor(kind Kind) RecoveryPlan { return lookup(kind).plan }

// SeverityOf returns the severity for kind.
func SeverityOf(kind Kind) Severity { return lookup(kind).severity }

// CategoryOf returns the category for kind.
func CategoryOf(kind Kind) Category { return lookup(kind).category }

// KnownKinds returns every kind with an explicit table entry.
func KnownKinds() []Kind {
	kinds := make([]Kind, 0, len(definitions))
	for k := range definitions {
		kinds = append(kinds, k)
	}
	return kinds
}

// EscalationThreshold returns how many faults of severity may accumulate in
// one run before operators are notified.
func EscalationThreshold(severity Severity) int {
	if n, ok := escalationThresholds[severity]; ok {
		return n
	}
	return escalationThresholds[SeverityMedium]
}

// EscalationThresholds returns a copy of the default threshold table.
func EscalationThresholds() map[Severity]int {
	out := make(map[Severity]int, len(escalationThresholds))
	for k, v := range escalationThresholds {
		out[k] = v
	}
	return out
}
