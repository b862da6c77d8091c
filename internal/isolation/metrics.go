package isolation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IsolationFailuresTotal counts capture/restore failures by stage.
	IsolationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awgw_isolation_failures_total",
			Help: "Total session-context capture/restore failures by stage",
		},
		[]string{"stage"},
	)

	// ContextDriftTotal counts requests that left the session context changed.
	ContextDriftTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "awgw_isolation_context_drift_total",
			Help: "Total requests whose session context drifted and was restored",
		},
	)
)

// RecordIsolationFailure records a capture/restore failure.
func RecordIsolationFailure(stage string) {
	IsolationFailuresTotal.WithLabelValues(stage).Inc()
}

// RecordContextDrift records a detected context drift.
func RecordContextDrift() {
	ContextDriftTotal.Inc()
}
