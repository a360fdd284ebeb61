package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the Stratus engine.
type Metrics struct {
	config MetricsConfig

	// Traversal metrics
	traversalsStarted   *prometheus.CounterVec
	traversalsCompleted *prometheus.CounterVec
	traversalDuration   *prometheus.HistogramVec

	// Resource operation metrics
	resourceOps        *prometheus.CounterVec
	resourceOpDuration *prometheus.HistogramVec
	resourceRetries    *prometheus.CounterVec
	staleDiscards      prometheus.Counter

	// Sync point metrics
	syncPointFires     prometheus.Counter
	syncPointConflicts prometheus.Counter

	// Stack lock metrics
	lockAcquired   prometheus.Counter
	lockContention prometheus.Counter
	lockSteals     prometheus.Counter

	// Adapter metrics
	adapterCalls    *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	adapterErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeTraversals prometheus.Gauge
	activeWorkers    prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		traversalsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "traversals_started_total",
				Help:      "Total number of traversals started",
			},
			[]string{"action"},
		),
		traversalsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "traversals_completed_total",
				Help:      "Total number of traversals completed",
			},
			[]string{"action", "status"},
		),
		traversalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "traversal_duration_seconds",
				Help:      "Duration of traversals in seconds",
				Buckets:   buckets,
			},
			[]string{"action", "status"},
		),

		resourceOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_operations_total",
				Help:      "Total number of resource operations",
			},
			[]string{"operation", "status"},
		),
		resourceOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resource_operation_duration_seconds",
				Help:      "Duration of resource operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "resource_type"},
		),
		resourceRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_retries_total",
				Help:      "Total number of resource operation retries",
			},
			[]string{"operation", "error_class"},
		),
		staleDiscards: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_discards_total",
				Help:      "Total number of worker callbacks discarded as stale",
			},
		),

		syncPointFires: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_point_fires_total",
				Help:      "Total number of sync points fired",
			},
		),
		syncPointConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_point_conflicts_total",
				Help:      "Total number of sync point CAS conflicts retried",
			},
		),

		lockAcquired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stack_locks_acquired_total",
				Help:      "Total number of stack locks acquired",
			},
		),
		lockContention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stack_lock_contention_total",
				Help:      "Total number of stack lock acquisitions lost to a live holder",
			},
		),
		lockSteals: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stack_lock_steals_total",
				Help:      "Total number of stack locks stolen from dead engines",
			},
		),

		adapterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_calls_total",
				Help:      "Total number of adapter calls",
			},
			[]string{"resource_type", "operation"},
		),
		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_call_duration_seconds",
				Help:      "Duration of adapter calls in seconds",
				Buckets:   buckets,
			},
			[]string{"resource_type", "operation"},
		),
		adapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_errors_total",
				Help:      "Total number of adapter errors",
			},
			[]string{"resource_type", "operation"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeTraversals: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_traversals",
				Help:      "Current number of in-flight traversals",
			},
		),
		activeWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workers",
				Help:      "Current number of running resource workers",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.traversalsStarted,
		m.traversalsCompleted,
		m.traversalDuration,
		m.resourceOps,
		m.resourceOpDuration,
		m.resourceRetries,
		m.staleDiscards,
		m.syncPointFires,
		m.syncPointConflicts,
		m.lockAcquired,
		m.lockContention,
		m.lockSteals,
		m.adapterCalls,
		m.adapterDuration,
		m.adapterErrors,
		m.errorsByClass,
		m.errorsByCode,
		m.activeTraversals,
		m.activeWorkers,
	)

	return m, nil
}

// Traversal metrics

// RecordTraversalStarted increments the counter for started traversals.
func (m *Metrics) RecordTraversalStarted(action string) {
	if m == nil || m.traversalsStarted == nil {
		return
	}
	m.traversalsStarted.WithLabelValues(action).Inc()
	m.activeTraversals.Inc()
}

// RecordTraversalCompleted records a finalized traversal with its status and duration.
func (m *Metrics) RecordTraversalCompleted(action, status string, duration time.Duration) {
	if m == nil || m.traversalsCompleted == nil {
		return
	}
	m.traversalsCompleted.WithLabelValues(action, status).Inc()
	m.traversalDuration.WithLabelValues(action, status).Observe(duration.Seconds())
	m.activeTraversals.Dec()
}

// Resource operation metrics

// RecordResourceOperation records the outcome of a resource operation.
func (m *Metrics) RecordResourceOperation(operation, status, resourceType string, duration time.Duration) {
	if m == nil || m.resourceOps == nil {
		return
	}
	m.resourceOps.WithLabelValues(operation, status).Inc()
	m.resourceOpDuration.WithLabelValues(operation, resourceType).Observe(duration.Seconds())
}

// RecordResourceRetry records a retried resource operation.
func (m *Metrics) RecordResourceRetry(operation, errorClass string) {
	if m == nil || m.resourceRetries == nil {
		return
	}
	m.resourceRetries.WithLabelValues(operation, errorClass).Inc()
}

// RecordStaleDiscard records a worker callback dropped because its traversal was superseded.
func (m *Metrics) RecordStaleDiscard() {
	if m == nil || m.staleDiscards == nil {
		return
	}
	m.staleDiscards.Inc()
}

// Sync point metrics

// RecordSyncPointFire records a sync point reaching zero and firing.
func (m *Metrics) RecordSyncPointFire() {
	if m == nil || m.syncPointFires == nil {
		return
	}
	m.syncPointFires.Inc()
}

// RecordSyncPointConflict records a CAS conflict on a sync point decrement.
func (m *Metrics) RecordSyncPointConflict() {
	if m == nil || m.syncPointConflicts == nil {
		return
	}
	m.syncPointConflicts.Inc()
}

// Stack lock metrics

// RecordLockAcquired records a successful stack lock acquisition.
func (m *Metrics) RecordLockAcquired() {
	if m == nil || m.lockAcquired == nil {
		return
	}
	m.lockAcquired.Inc()
}

// RecordLockContention records an acquisition attempt lost to a live holder.
func (m *Metrics) RecordLockContention() {
	if m == nil || m.lockContention == nil {
		return
	}
	m.lockContention.Inc()
}

// RecordLockSteal records a lock stolen from a dead engine.
func (m *Metrics) RecordLockSteal() {
	if m == nil || m.lockSteals == nil {
		return
	}
	m.lockSteals.Inc()
}

// Adapter metrics

// RecordAdapterCall records an adapter call with its duration.
func (m *Metrics) RecordAdapterCall(resourceType, operation string, duration time.Duration) {
	if m == nil || m.adapterCalls == nil {
		return
	}
	m.adapterCalls.WithLabelValues(resourceType, operation).Inc()
	m.adapterDuration.WithLabelValues(resourceType, operation).Observe(duration.Seconds())
}

// RecordAdapterError records an adapter error.
func (m *Metrics) RecordAdapterError(resourceType, operation string) {
	if m == nil || m.adapterErrors == nil {
		return
	}
	m.adapterErrors.WithLabelValues(resourceType, operation).Inc()
}

// Error metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System metrics

// WorkerStarted increments the active worker gauge.
func (m *Metrics) WorkerStarted() {
	if m == nil || m.activeWorkers == nil {
		return
	}
	m.activeWorkers.Inc()
}

// WorkerFinished decrements the active worker gauge.
func (m *Metrics) WorkerFinished() {
	if m == nil || m.activeWorkers == nil {
		return
	}
	m.activeWorkers.Dec()
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
