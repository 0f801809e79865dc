/*
Package metrics provides Prometheus metrics and health/readiness endpoints for
the coordinator.

All metrics are registered at package init against the default Prometheus
registry and exposed via Handler() on /metrics. The Timer helper times an
operation and observes its duration to a histogram or histogram vector.

# Metrics Catalog

Control loop:

  - coordinator_tick_duration_seconds (Histogram): time for one tick.
  - coordinator_ticks_total{outcome} (Counter): ok, health_failed, transport_error.

Instance registry:

  - coordinator_instances_running (Gauge)
  - coordinator_instances_spawned_total{provider} (Counter)
  - coordinator_instances_spawn_failed_total{provider} (Counter)
  - coordinator_instances_reaped_total{exit_class} (Counter): clean, error, quota.
  - coordinator_concurrency_cap_hits_total (Counter)

Cooldown / quota:

  - coordinator_cooldowns_active{kind} (Gauge): error, quota.
  - coordinator_quota_detections_total (Counter)

Transport:

  - coordinator_transport_calls_total{method,outcome} (Counter)
  - coordinator_transport_call_duration_seconds{method} (Histogram)

Log upload:

  - coordinator_log_uploads_total{outcome} (Counter): success, fallback, skipped_oversize.
  - coordinator_log_upload_duration_seconds (Histogram)
  - coordinator_pending_uploads (Gauge)

# Health and readiness

RegisterComponent/UpdateComponent track the health of named components (for
example "mcp_transport" and "lock"). GetHealth reports overall status;
GetReadiness additionally requires every critical component to be registered
and healthy before reporting "ready". HealthHandler, ReadyHandler, and
LivenessHandler adapt these into HTTP handlers suitable for mounting
alongside Handler() on the metrics server.
*/
package metrics
