package metrics

import (
	"time"

	"github.com/gatewarden/gatewarden/internal/observability"
)

// Application-level metrics following Prometheus conventions
var (
	// Operations metrics
	OperationsTotal       = "app_operations_total"
	OperationsErrorsTotal = "app_operations_errors_total"

	// Admission metrics
	DecisionsTotal     = "app_ratelimit_decisions_total"
	DoSBlocksTotal     = "app_dos_blocks_total"
	StoreFailuresTotal = "app_store_failures_total"
	EvictedKeysTotal   = "app_evicted_keys_total"

	// Connection metrics
	ActiveConnections = "app_active_connections"

	// Health check metrics
	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"

	// Server lifecycle metrics
	ServerStartTime = "app_server_start_time_seconds"
	ServerUptime    = "app_server_uptime_seconds"
)

// RecordOperation records an application operation with status
func RecordOperation(operation string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			OperationsTotal,
			1,
			map[string]string{
				"operation": operation,
				"status":    status,
			},
		)
	}
}

// RecordOperationError records an application operation error
func RecordOperationError(operation string, errorType string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			OperationsErrorsTotal,
			1,
			map[string]string{
				"operation":  operation,
				"error_type": errorType,
			},
		)
	}
}

// RecordDecision records one admission decision for a dimension
func RecordDecision(dimension string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "blocked"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			DecisionsTotal,
			1,
			map[string]string{
				"dimension": dimension,
				"outcome":   outcome,
			},
		)
	}
}

// RecordDoSBlock records a request rejected by the DoS prefilter
func RecordDoSBlock() {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(DoSBlocksTotal, 1, nil)
	}
}

// RecordStoreFailure records a storage error observed during a check
func RecordStoreFailure(dimension string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			StoreFailuresTotal,
			1,
			map[string]string{
				"dimension": dimension,
			},
		)
	}
}

// RecordEvictedKeys records idle limiter state removed by a sweep
func RecordEvictedKeys(component string, count int) {
	if count <= 0 {
		return
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			EvictedKeysTotal,
			float64(count),
			map[string]string{
				"component": component,
			},
		)
	}
}

// SetActiveConnections sets the current number of active connections
func SetActiveConnections(count int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ActiveConnections,
			float64(count),
			nil,
		)
	}
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			HealthCheckTotal,
			1,
			map[string]string{
				"check":  checkName,
				"status": status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			HealthCheckDuration,
			duration,
			map[string]string{
				"check": checkName,
			},
		)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerStartTime,
			float64(timestamp),
			nil,
		)
	}
}

// SetServerUptime records the server uptime in seconds
func SetServerUptime(seconds int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerUptime,
			float64(seconds),
			nil,
		)
	}
}
