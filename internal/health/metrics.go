package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awgw_health_checks_total",
			Help: "Total number of health checks performed",
		},
		[]string{"type"},
	)

	checkStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "awgw_health_check_status",
			Help: "Current health check status (1=healthy, 0=unhealthy)",
		},
		[]string{"check"},
	)
)

// RecordCheck records a performed health check.
func RecordCheck(checkType string) {
	checksTotal.WithLabelValues(checkType).Inc()
}

// SetCheckStatus records a check's current status.
func SetCheckStatus(check string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	checkStatus.WithLabelValues(check).Set(v)
}
