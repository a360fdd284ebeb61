package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	// Initialize tracer
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	// Initialize metrics
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	// Initialize event publisher
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// NewNopTelemetry returns a telemetry instance that logs to stderr at error
// level and discards traces, metrics, and events. Useful for tests.
func NewNopTelemetry() *Telemetry {
	cfg := DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Logging.Output = "stderr"
	cfg.Tracing.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false

	tel, err := NewTelemetry(cfg)
	if err != nil {
		// DefaultConfig always validates; reaching here is a programming error.
		panic(err)
	}
	return tel
}

// Nop returns a bare telemetry bundle that records nothing and starts no
// goroutines. Engine constructors fall back to it when handed a nil bundle;
// the Metrics and Events fields stay nil, which every consumer tolerates.
func Nop() *Telemetry {
	return &Telemetry{
		Logger: NopLogger(),
		Tracer: NopTracer(),
	}
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	// Shutdown in reverse order of initialization
	if t.Events != nil {
		if err := t.Events.Shutdown(ctx); err != nil {
			return err
		}
	}

	if t.Tracer != nil {
		if err := t.Tracer.Shutdown(ctx); err != nil {
			return err
		}
	}

	// Metrics server is not explicitly shut down here as it may need to continue
	// serving metrics until the very end of the application lifecycle

	return nil
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// InstrumentedContext bundles the context, span, logger, and timer for an operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	// Start trace span
	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	// Create logger with operation field
	logger := tel.Logger.WithField("operation", operation)

	// Add trace context to logger if available
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
}

// WithTraversalContext creates a context enriched with traversal-specific telemetry.
func WithTraversalContext(ctx context.Context, stackID, traversalID, action string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartTraversalSpan(ctx, stackID, traversalID, action)

	logger := tel.Logger.
		WithStackID(stackID).
		WithTraversalID(traversalID).
		WithField("action", action)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordTraversalStarted(action)
	_ = tel.Events.PublishTraversalStarted(stackID, traversalID, action)

	spanCtx = context.WithValue(spanCtx, traversalSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, traversalTimerKey{}, NewTimer())

	return spanCtx
}

// traversalSpanKey is the context key for traversal spans.
type traversalSpanKey struct{}

// traversalTimerKey is the context key for traversal timers.
type traversalTimerKey struct{}

// EndTraversalContext completes the traversal context, recording metrics and events.
func EndTraversalContext(ctx context.Context, stackID, traversalID, action, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(traversalSpanKey{}).(trace.Span); ok {
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	timer, ok := ctx.Value(traversalTimerKey{}).(*Timer)
	if !ok {
		timer = NewTimer()
	}
	duration := timer.Duration()

	tel.Metrics.RecordTraversalCompleted(action, status, duration)

	if err != nil {
		_ = tel.Events.PublishTraversalFailed(stackID, traversalID, err.Error())
	} else {
		_ = tel.Events.PublishTraversalCompleted(stackID, traversalID, status, duration)
	}
}

// WithResourceContext creates a context enriched with resource-worker telemetry.
func WithResourceContext(ctx context.Context, stackID, traversalID, resourceKey, operation string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartResourceSpan(ctx, resourceKey, traversalID, operation)

	logger := tel.Logger.
		WithStackID(stackID).
		WithTraversalID(traversalID).
		WithResourceKey(resourceKey).
		WithField("operation", operation)
	spanCtx = logger.WithContext(spanCtx)

	_ = tel.Events.PublishResourceStarted(stackID, traversalID, resourceKey, operation)

	spanCtx = context.WithValue(spanCtx, resourceSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, resourceTimerKey{}, NewTimer())

	return spanCtx
}

// resourceSpanKey is the context key for resource spans.
type resourceSpanKey struct{}

// resourceTimerKey is the context key for resource timers.
type resourceTimerKey struct{}

// EndResourceContext completes the resource context, recording metrics and events.
func EndResourceContext(ctx context.Context, stackID, traversalID, resourceKey, resourceType, operation, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(resourceSpanKey{}).(trace.Span); ok {
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	timer, ok := ctx.Value(resourceTimerKey{}).(*Timer)
	if !ok {
		timer = NewTimer()
	}
	duration := timer.Duration()

	tel.Metrics.RecordResourceOperation(operation, status, resourceType, duration)

	if err != nil {
		_ = tel.Events.PublishResourceFailed(stackID, traversalID, resourceKey, operation, err.Error())
	} else {
		_ = tel.Events.PublishResourceCompleted(stackID, traversalID, resourceKey, operation, duration)
	}
}

// RecordAdapterOperation records an adapter call with metrics and tracing.
func RecordAdapterOperation(ctx context.Context, resourceType, operation string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)

	// Start span
	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.StartAdapterSpan(ctx, resourceType, operation)
		defer span.End()
	}

	// Start timer
	timer := NewTimer()

	// Execute operation
	err := fn(ctx)

	// Record metrics
	if tel != nil {
		duration := timer.Duration()
		tel.Metrics.RecordAdapterCall(resourceType, operation, duration)
		if err != nil {
			tel.Metrics.RecordAdapterError(resourceType, operation)
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}

	return err
}
