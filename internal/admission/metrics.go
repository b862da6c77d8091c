package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal counts admission decisions by outcome.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awgw_admission_decisions_total",
			Help: "Total admission decisions by outcome",
		},
		[]string{"outcome"},
	)

	// TrackedClients reports the number of live per-client limiters.
	TrackedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "awgw_admission_tracked_clients",
			Help: "Number of per-client rate limiter entries currently tracked",
		},
	)
)

// RecordDecision records an admission decision outcome.
func RecordDecision(outcome string) {
	DecisionsTotal.WithLabelValues(outcome).Inc()
}

// RecordTrackedClients records the tracked client limiter count.
func RecordTrackedClients(n int) {
	TrackedClients.Set(float64(n))
}
