package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Security-core metrics.
var (
	PermissionChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_permission_checks_total",
			Help: "Permission checks by outcome.",
		},
		[]string{"outcome"}, // allowed | denied
	)

	PermissionCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_permission_cache_lookups_total",
			Help: "Permission cache lookups by result.",
		},
		[]string{"result"}, // hit | miss
	)

	AuditBufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "security_audit_buffer_entries",
		Help: "Audit entries currently buffered in memory.",
	})

	AuditFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_audit_flushes_total",
			Help: "Audit buffer flushes by status.",
		},
		[]string{"status"}, // ok | error
	)

	AuditAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_audit_alerts_total",
			Help: "Audit alerts raised by rule.",
		},
		[]string{"rule"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "security_operation_duration_seconds",
			Help:    "Latency of intercepted operations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "status"}, // kind: crud action or access kind; status: ok | error
	)
)

// Init registers collectors in the default registry. Call once at startup.
func Init() {
	prometheus.MustRegister(
		PermissionChecksTotal,
		PermissionCacheLookups,
		AuditBufferSize,
		AuditFlushesTotal,
		AuditAlertsTotal,
		OperationDuration,
	)
}

// ObserveOperation records one intercepted operation sample.
func ObserveOperation(kind, status string, d time.Duration) {
	OperationDuration.WithLabelValues(kind, status).Observe(d.Seconds())
}
