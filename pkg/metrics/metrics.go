package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Control loop metrics
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_tick_duration_seconds",
			Help:    "Time taken for one control loop tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_ticks_total",
			Help: "Total number of control loop ticks by outcome",
		},
		[]string{"outcome"}, // ok, health_failed, transport_error
	)

	// Instance registry metrics
	InstancesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_instances_running",
			Help: "Current number of running agent instances",
		},
	)

	InstancesSpawnedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_instances_spawned_total",
			Help: "Total number of agent instances spawned by provider",
		},
		[]string{"provider"},
	)

	InstancesSpawnFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_instances_spawn_failed_total",
			Help: "Total number of spawn attempts that failed to start",
		},
		[]string{"provider"},
	)

	InstancesReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_instances_reaped_total",
			Help: "Total number of agent instances reaped by exit class",
		},
		[]string{"exit_class"}, // clean, error, quota
	)

	ConcurrencyCapHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_concurrency_cap_hits_total",
			Help: "Total number of times the concurrency cap ended a project's reconcile loop early",
		},
	)

	// Cooldown / quota metrics
	CooldownsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_cooldowns_active",
			Help: "Current number of active cooldown entries by kind",
		},
		[]string{"kind"}, // error, quota
	)

	QuotaDetectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_quota_detections_total",
			Help: "Total number of child log tails matched as quota exhaustion",
		},
	)

	// Transport metrics
	TransportCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_transport_calls_total",
			Help: "Total number of JSON-RPC calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	TransportCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_transport_call_duration_seconds",
			Help:    "JSON-RPC call duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Log upload metrics
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_log_uploads_total",
			Help: "Total number of log upload attempts by outcome",
		},
		[]string{"outcome"}, // success, fallback, skipped_oversize
	)

	UploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_log_upload_duration_seconds",
			Help:    "Time taken to upload a completed instance log in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PendingUploads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_pending_uploads",
			Help: "Current number of in-flight log upload tasks",
		},
	)
)

func init() {
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(TicksTotal)
	prometheus.MustRegister(InstancesRunning)
	prometheus.MustRegister(InstancesSpawnedTotal)
	prometheus.MustRegister(InstancesSpawnFailedTotal)
	prometheus.MustRegister(InstancesReapedTotal)
	prometheus.MustRegister(ConcurrencyCapHitsTotal)
	prometheus.MustRegister(CooldownsActive)
	prometheus.MustRegister(QuotaDetectionsTotal)
	prometheus.MustRegister(TransportCallsTotal)
	prometheus.MustRegister(TransportCallDuration)
	prometheus.MustRegister(UploadsTotal)
	prometheus.MustRegister(UploadDuration)
	prometheus.MustRegister(PendingUploads)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
