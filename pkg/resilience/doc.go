// Package resilience contains the error boundary together with the circuit
// breaker, retry, degradation and alerting primitives it builds on.
//
// # Error Boundary
//
// A Boundary runs an operation and, on failure, classifies the error into an
// errors.Fault and dispatches it to the recovery handler named by the fault's
// plan. Callers always receive a Result; an error is returned only for
// blocking faults or when recovery itself fails.
//
//	b := resilience.NewBoundary(resilience.DefaultBoundaryConfig(),
//		resilience.WithEscalationHandler(alerter),
//	)
//
//	res, err := b.Execute(ctx, callServer, useCachedCopy,
//		resilience.WithOperationName("memory.read"),
//	)
//	if res.Degraded {
//		// served by a fallback
//	}
//
// Every fault increments a per-severity counter. When a counter reaches its
// threshold the escalation handler is notified once; ResetCounters re-arms it.
//
// # Circuit Breaker
//
//	cb := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("memory"))
//	result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return client.Ping(ctx)
//	})
//
// # Retry with Exponential Backoff
//
// RetryConfigFromPolicy turns a fault's backoff policy into a retry schedule.
// A RetryableOperation sends every attempt through a circuit breaker and stops
// as soon as the breaker opens.
//
//	cfg := resilience.RetryConfigFromPolicy(errors.DefaultConnectionBackoff, 3)
//	op := resilience.NewRetryableOperation(cb, resilience.NewRetrier(cfg))
//
// # Degradation and Alerting
//
// DegradationManager tracks per-service health and derives a system level.
// SystemHealthMonitor polls it and sends alerts through an AlertManager when
// the level changes or a service goes down.
//
//	dm := resilience.NewDegradationManager(1, logger)
//	dm.RegisterService("database", resilience.LevelSevere, true)
//	dm.UpdateServiceHealth("database", false, 0, "connection refused")
//	level := dm.GetCurrentDegradationLevel()
package resilience
