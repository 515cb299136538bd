package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Store operation metrics
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statekv_operations_total",
			Help: "Total number of store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "statekv_operation_duration_seconds",
			Help:    "Store operation latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// Expiration metrics
	ExpiredKeysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "statekv_expired_keys_total",
			Help: "Total number of expired keys removed by cleanup sweeps",
		},
	)

	// Lifecycle metrics
	OpenBackends = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "statekv_open_backends",
			Help: "Number of currently open backends",
		},
	)
)

// RecordOperation increments the operation counter with a success/error
// status and observes the elapsed time since started.
func RecordOperation(backend, operation string, started time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	OperationsTotal.WithLabelValues(backend, operation, status).Inc()
	OperationDuration.WithLabelValues(backend, operation).Observe(time.Since(started).Seconds())
}
