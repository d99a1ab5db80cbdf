// Package telemetry provides observability for the orchestrator.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an in-process bus for deployment
// state events.
//
// # Usage
//
// Initialize telemetry at startup and hand its parts to the engine:
//
//	tel, err := telemetry.NewTelemetry(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	registry.Wrap(tel.InstrumentAdapter())
//	orch, err := engine.New(engine.Config{
//	    Logger:  tel.Logger.NewComponentLogger("orchestrator").Zerolog(),
//	    Metrics: tel.Metrics,
//	    Events:  tel.Events,
//	    ...
//	})
//
// # Metrics
//
// Metrics implements engine.MetricsRecorder. Exposed series:
//
//   - deployments_started_total{type}
//   - deployments_finished_total{type,state}
//   - deployment_duration_seconds{type,state}
//   - apply_attempts_total{provider,outcome}
//   - provider_calls_total{provider,operation}
//   - provider_call_duration_seconds{provider,operation}
//   - provider_errors_total{provider,operation,class}
//   - reconcile_total{outcome}
//   - locks_waiting, active_deployments, log_gaps_total
//
// # Tracing
//
// NewTracer installs the global tracer provider. The engine starts spans for
// deployment runs, plans and apply attempts; InstrumentedAdapter adds a client
// span per provider call.
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Subscribers receive state
// changes on a buffered channel; a subscriber that falls behind loses events
// rather than slowing down the orchestrator.
package telemetry
