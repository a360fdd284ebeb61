package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openstratus/stratus/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	// Create configuration
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = "stratus"
	cfg.ServiceVersion = "1.0.0"

	// Initialize telemetry
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	// Add telemetry to context
	ctx := tel.WithContext(context.Background())

	// Use telemetry
	logger := telemetry.FromContext(ctx)
	logger.Info("Engine started")

	// Output can vary, so we don't specify output for this example
}

// Example_structuredLogging demonstrates structured logging features.
func Example_structuredLogging() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Logging.Output = "stdout"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Component-specific logger
	logger := tel.Logger.NewComponentLogger("traversal")

	// Add context fields
	logger = logger.WithFields(map[string]interface{}{
		"stack_id":     "stack-123",
		"traversal_id": "t-456",
	})

	// Log at different levels
	logger.Debug("Building dependency graph")
	logger.Info("Traversal started")
	logger.Warn("Sync point CAS conflict, retrying")

	// Log with error
	err := fmt.Errorf("network timeout")
	logger.WithError(err).Error("Adapter call failed")

	// Output varies, no output specified
}

// Example_distributedTracing demonstrates distributed tracing usage.
func Example_distributedTracing() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "none"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start a traversal span
	ctx, span := tel.Tracer.StartTraversalSpan(ctx, "stack-123", "t-456", "CREATE")
	defer span.End()

	// Nested resource span
	_, childSpan := tel.Tracer.StartResourceSpan(ctx, "web_server", "t-456", "create")
	defer childSpan.End()

	childSpan.SetAttributes(
		attribute.String("resource.type", "sandbox.object"),
	)

	// Record success
	telemetry.RecordSuccess(childSpan)

	// Output varies, no output specified
}

// Example_metricsCollection demonstrates metrics collection.
func Example_metricsCollection() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Record traversal metrics
	tel.Metrics.RecordTraversalStarted("CREATE")

	// Simulate traversal execution
	start := time.Now()
	time.Sleep(50 * time.Millisecond)
	duration := time.Since(start)

	tel.Metrics.RecordTraversalCompleted("CREATE", "COMPLETE", duration)

	// Record resource operation metrics
	tel.Metrics.RecordResourceOperation(
		"create",            // operation
		"COMPLETE",          // status
		"sandbox.object",    // resource type
		25*time.Millisecond, // duration
	)

	// Record adapter metrics
	tel.Metrics.RecordAdapterCall("sandbox.object", "create", 15*time.Millisecond)

	// Record coordination metrics
	tel.Metrics.RecordSyncPointFire()
	tel.Metrics.RecordLockAcquired()

	// Record error metrics
	tel.Metrics.RecordError("transient", "TIMEOUT")

	fmt.Println("Metrics recorded successfully")
	// Output: Metrics recorded successfully
}

// Example_eventPublishing demonstrates event publishing and subscription.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = true
	cfg.Events.EnableAsync = false // Synchronous for example

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Subscribe to events
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
	}, nil) // No filter, receive all events

	// Publish events
	tel.Events.PublishTraversalStarted("stack-123", "t-456", "CREATE")
	tel.Events.PublishResourceStarted("stack-123", "t-456", "web_server", "create")
	tel.Events.PublishResourceCompleted("stack-123", "t-456", "web_server", "create", 25*time.Millisecond)

	// Output:
	// Event: traversal.started - Traversal t-456 started (CREATE)
	// Event: resource.started - Resource web_server: create started
	// Event: resource.completed - Resource web_server: create completed
}

// Example_traversalInstrumentation demonstrates instrumenting a complete traversal.
func Example_traversalInstrumentation() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Logging.Output = "stderr"
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start traversal context
	stackID := "stack-123"
	traversalID := "t-456"
	ctx = telemetry.WithTraversalContext(ctx, stackID, traversalID, "UPDATE")

	// Execute a resource operation (simulated)
	workResource(ctx, stackID, traversalID)

	// End traversal context
	telemetry.EndTraversalContext(ctx, stackID, traversalID, "UPDATE", "COMPLETE", nil)

	fmt.Println("Traversal instrumentation complete")
	// Output: Traversal instrumentation complete
}

func workResource(ctx context.Context, stackID, traversalID string) {
	resourceKey := "web_server"
	operation := "update"

	ctx = telemetry.WithResourceContext(ctx, stackID, traversalID, resourceKey, operation)

	// Get logger from context
	logger := telemetry.FromContext(ctx)
	logger.Info("Processing resource")

	// Simulate work
	time.Sleep(10 * time.Millisecond)

	// End resource context
	telemetry.EndResourceContext(ctx, stackID, traversalID, resourceKey, "sandbox.object", operation, "COMPLETE", nil)
}

// Example_adapterInstrumentation demonstrates instrumenting adapter calls.
func Example_adapterInstrumentation() {
	cfg := telemetry.DevelopmentConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Record adapter operation
	err := telemetry.RecordAdapterOperation(ctx, "sandbox.object", "create", func(ctx context.Context) error {
		// Simulate adapter work
		time.Sleep(15 * time.Millisecond)
		return nil
	})

	if err == nil {
		fmt.Println("Adapter operation completed successfully")
	}

	// Output: Adapter operation completed successfully
}

// Example_eventFiltering demonstrates event filtering.
func Example_eventFiltering() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = true
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Subscribe with level filter (only warnings and errors)
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Important event: %s\n", event.Type)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	// Publish various events
	tel.Events.PublishTraversalStarted("stack-1", "t-1", "CREATE")  // Info - filtered
	tel.Events.PublishLockStolen("stack-1", "engine-a", "engine-b") // Warning - passes
	tel.Events.PublishTraversalFailed("stack-1", "t-1", "timeout")  // Error - passes

	// Output:
	// Important event: stack_lock.stolen
	// Important event: traversal.failed
}

// Example_productionConfiguration demonstrates production-ready configuration.
func Example_productionConfiguration() {
	cfg := telemetry.ProductionConfig()

	// Customize for your environment
	cfg.ServiceName = "stratus"
	cfg.ServiceVersion = "1.2.3"
	cfg.Environment = "production"

	// Configure OTLP exporter
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "otel-collector.monitoring.svc.cluster.local:4317"
	cfg.Tracing.SamplingRate = 0.1 // 10% sampling
	cfg.Tracing.Insecure = false   // Use TLS in production

	// Configure metrics
	cfg.Metrics.ListenAddress = ":9090"
	cfg.Metrics.Namespace = "stratus"

	// Configure events
	cfg.Events.BufferSize = 10000
	cfg.Events.FlushInterval = 5 * time.Second

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	fmt.Println("Production configuration validated")
	// Output: Production configuration validated
}
