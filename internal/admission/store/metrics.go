package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	redisOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awgw_admission_store_redis_operations_total",
			Help: "Total number of Redis admission store operations",
		},
		[]string{"operation", "status"},
	)

	redisOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "awgw_admission_store_redis_operation_duration_seconds",
			Help:    "Duration of Redis admission store operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

func recordRedisOp(operation string, start time.Time) {
	redisOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func recordRedisStatus(operation, status string) {
	redisOperationsTotal.WithLabelValues(operation, status).Inc()
}
