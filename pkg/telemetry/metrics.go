package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for the orchestrator. It implements
// engine.MetricsRecorder; a disabled instance records nothing.
type Metrics struct {
	config MetricsConfig

	// Deployment metrics
	deploymentsStarted  *prometheus.CounterVec
	deploymentsFinished *prometheus.CounterVec
	deploymentDuration  *prometheus.HistogramVec
	applyAttempts       *prometheus.CounterVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Reconciler metrics
	reconciles *prometheus.CounterVec

	// System metrics
	locksWaiting      prometheus.Gauge
	activeDeployments prometheus.Gauge
	logLinesDropped   prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deploymentsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_started_total",
				Help:      "Total number of deployments enqueued",
			},
			[]string{"type"},
		),
		deploymentsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_finished_total",
				Help:      "Total number of deployments that reached a terminal state",
			},
			[]string{"type", "state"},
		),
		deploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Time from enqueue to terminal state in seconds",
				Buckets:   buckets,
			},
			[]string{"type", "state"},
		),
		applyAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "apply_attempts_total",
				Help:      "Total number of apply attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider API calls",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of failed provider API calls by error class",
			},
			[]string{"provider", "operation", "class"},
		),

		reconciles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_total",
				Help:      "Total number of machine reconciliations by outcome",
			},
			[]string{"outcome"},
		),

		locksWaiting: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "locks_waiting",
				Help:      "Current number of deployments queued behind a machine lock",
			},
		),
		activeDeployments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_deployments",
				Help:      "Current number of non-terminal deployments",
			},
		),
		logLinesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_gaps_total",
				Help:      "Total number of live log lines dropped for slow subscribers",
			},
		),
	}

	registry.MustRegister(
		m.deploymentsStarted,
		m.deploymentsFinished,
		m.deploymentDuration,
		m.applyAttempts,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.reconciles,
		m.locksWaiting,
		m.activeDeployments,
		m.logLinesDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// DeploymentStarted counts an enqueued deployment.
func (m *Metrics) DeploymentStarted(deploymentType string) {
	if m.deploymentsStarted == nil {
		return
	}
	m.deploymentsStarted.WithLabelValues(deploymentType).Inc()
}

// DeploymentFinished records a terminal deployment and its total duration.
func (m *Metrics) DeploymentFinished(deploymentType, state string, duration time.Duration) {
	if m.deploymentsFinished == nil {
		return
	}
	m.deploymentsFinished.WithLabelValues(deploymentType, state).Inc()
	m.deploymentDuration.WithLabelValues(deploymentType, state).Observe(duration.Seconds())
}

// ApplyAttempt counts one apply attempt.
func (m *Metrics) ApplyAttempt(provider, outcome string) {
	if m.applyAttempts == nil {
		return
	}
	m.applyAttempts.WithLabelValues(provider, outcome).Inc()
}

// LocksWaiting sets the number of queued lock waiters.
func (m *Metrics) LocksWaiting(n int) {
	if m.locksWaiting == nil {
		return
	}
	m.locksWaiting.Set(float64(n))
}

// ActiveDeployments sets the number of non-terminal deployments.
func (m *Metrics) ActiveDeployments(n int) {
	if m.activeDeployments == nil {
		return
	}
	m.activeDeployments.Set(float64(n))
}

// LogLinesDropped counts live log lines lost by slow subscribers.
func (m *Metrics) LogLinesDropped(n int64) {
	if m.logLinesDropped == nil || n <= 0 {
		return
	}
	m.logLinesDropped.Add(float64(n))
}

// Reconciled counts one reconciliation.
func (m *Metrics) Reconciled(outcome string) {
	if m.reconciles == nil {
		return
	}
	m.reconciles.WithLabelValues(outcome).Inc()
}

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError records a failed provider call.
func (m *Metrics) RecordProviderError(provider, operation, class string) {
	if m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation, class).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes metrics on the configured standalone listen address until
// ctx is done. It returns immediately when no address is configured.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
