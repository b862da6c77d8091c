package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolConnections tracks pool size by state.
	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "awgw_pool_connections",
			Help: "Number of pool connections by state",
		},
		[]string{"state"},
	)

	// PoolWaiters tracks the number of queued acquirers.
	PoolWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "awgw_pool_waiters",
			Help: "Number of callers queued for a connection",
		},
	)

	// PoolAcquiresTotal counts successful acquisitions by path.
	PoolAcquiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awgw_pool_acquires_total",
			Help: "Total successful connection acquisitions by path",
		},
		[]string{"path"},
	)

	// PoolAcquireErrorsTotal counts failed acquisitions by reason.
	PoolAcquireErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awgw_pool_acquire_errors_total",
			Help: "Total failed connection acquisitions by reason",
		},
		[]string{"reason"},
	)

	// PoolAcquireDuration measures acquisition wait time.
	PoolAcquireDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "awgw_pool_acquire_duration_seconds",
			Help:    "Time spent acquiring a connection in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
	)

	// PoolLeaseDuration measures how long leases are held.
	PoolLeaseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "awgw_pool_lease_duration_seconds",
			Help:    "Time a lease was held in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PoolConnsCreatedTotal counts created connections.
	PoolConnsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "awgw_pool_connections_created_total",
			Help: "Total backend connections created",
		},
	)

	// PoolConnsRetiredTotal counts retired connections.
	PoolConnsRetiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "awgw_pool_connections_retired_total",
			Help: "Total backend connections retired",
		},
	)

	// PoolDialFailuresTotal counts persistent dial failures.
	PoolDialFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "awgw_pool_dial_failures_total",
			Help: "Total persistent backend dial failures",
		},
	)

	// PoolHealthChecksTotal counts health probes by result.
	PoolHealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awgw_pool_health_checks_total",
			Help: "Total idle-connection health probes by result",
		},
		[]string{"result"},
	)
)

// RecordPoolSize records the pool size gauges.
func RecordPoolSize(total, active, idle, waiters int) {
	PoolConnections.WithLabelValues("active").Set(float64(active))
	PoolConnections.WithLabelValues("idle").Set(float64(idle))
	PoolConnections.WithLabelValues("total").Set(float64(total))
	PoolWaiters.Set(float64(waiters))
}

// RecordAcquire records a successful acquisition.
func RecordAcquire(path string, durationSeconds float64) {
	PoolAcquiresTotal.WithLabelValues(path).Inc()
	PoolAcquireDuration.Observe(durationSeconds)
}

// RecordAcquireError records a failed acquisition.
func RecordAcquireError(reason string) {
	PoolAcquireErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordLeaseDuration records how long a lease was held.
func RecordLeaseDuration(seconds float64) {
	PoolLeaseDuration.Observe(seconds)
}

// RecordCreated records a created connection.
func RecordCreated() {
	PoolConnsCreatedTotal.Inc()
}

// RecordRetired records a retired connection.
func RecordRetired() {
	PoolConnsRetiredTotal.Inc()
}

// RecordDialFailure records a persistent dial failure.
func RecordDialFailure() {
	PoolDialFailuresTotal.Inc()
}

// RecordHealthCheck records a health probe result.
func RecordHealthCheck(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	PoolHealthChecksTotal.WithLabelValues(result).Inc()
}
