// Package telemetry provides observability instrumentation for the Stratus engine.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring and debugging stack convergence.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "stratus"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("traversal")
//	logger = logger.WithStackID("stack-123").WithTraversalID("t-456")
//	logger.Info("Starting traversal")
//	logger.WithError(err).Error("Traversal failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into traversal flow and performance:
//
//	ctx, span := tel.Tracer.StartTraversalSpan(ctx, stackID, traversalID, "UPDATE")
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP/gRPC (production), Stdout (development)
//
// # Metrics
//
// Prometheus metrics track engine behavior:
//
//	tel.Metrics.RecordTraversalStarted("CREATE")
//	tel.Metrics.RecordTraversalCompleted("CREATE", "COMPLETE", duration)
//	tel.Metrics.RecordResourceOperation("create", "COMPLETE", "sandbox.object", duration)
//	tel.Metrics.RecordAdapterCall("sandbox.object", "create", duration)
//	tel.Metrics.RecordSyncPointFire()
//	tel.Metrics.RecordLockSteal()
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	tel.Events.PublishTraversalStarted(stackID, traversalID, "UPDATE")
//	tel.Events.PublishResourceCompleted(stackID, traversalID, "web_server", "create", duration)
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByStackID, FilterByTraversalID
//
// # Context Helpers
//
// High-level helpers simplify common instrumentation patterns:
//
//	// Traversal context
//	ctx = telemetry.WithTraversalContext(ctx, stackID, traversalID, action)
//	defer telemetry.EndTraversalContext(ctx, stackID, traversalID, action, status, err)
//
//	// Resource worker context
//	ctx = telemetry.WithResourceContext(ctx, stackID, traversalID, resourceKey, operation)
//	defer telemetry.EndResourceContext(ctx, stackID, traversalID, resourceKey, resourceType, operation, status, err)
//
//	// Adapter operation
//	err := telemetry.RecordAdapterOperation(ctx, "sandbox.object", "create", func(ctx context.Context) error {
//	    return adapter.Create(ctx, req)
//	})
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	cfg := telemetry.DevelopmentConfig() // verbose logging, stdout traces, full sampling
//	cfg := telemetry.ProductionConfig()  // JSON logs, OTLP traces, 10% sampling
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// # Common Metrics
//
// Key metrics exposed:
//
//   - stratus_traversals_started_total{action}
//   - stratus_traversals_completed_total{action,status}
//   - stratus_traversal_duration_seconds{action,status}
//   - stratus_resource_operations_total{operation,status}
//   - stratus_resource_operation_duration_seconds{operation,resource_type}
//   - stratus_sync_point_fires_total
//   - stratus_sync_point_conflicts_total
//   - stratus_stack_locks_acquired_total
//   - stratus_stack_lock_steals_total
//   - stratus_adapter_calls_total{resource_type,operation}
//   - stratus_stale_discards_total
//   - stratus_errors_by_class_total{class}
//   - stratus_active_traversals
//
// # Security Considerations
//
//   - Never log sensitive data (credentials, keys, tokens)
//   - Use secure connections (TLS) for trace exporters in production
//   - Limit metrics endpoint access via network policies
package telemetry
