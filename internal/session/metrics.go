package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks live client sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "awgw_sessions_active",
			Help: "Number of live client sessions",
		},
	)

	// SessionsCreatedTotal counts created sessions.
	SessionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "awgw_sessions_created_total",
			Help: "Total client sessions created",
		},
	)

	// SessionsReapedTotal counts reclaimed sessions.
	SessionsReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "awgw_sessions_reaped_total",
			Help: "Total client sessions reclaimed by the background sweep",
		},
	)

	// SessionRequestsTotal counts requests per fairness class and result.
	SessionRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awgw_session_requests_total",
			Help: "Total requests by fairness class and result",
		},
		[]string{"class", "result"},
	)

	// SessionInFlight tracks in-flight requests per fairness class.
	SessionInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "awgw_session_requests_in_flight",
			Help: "In-flight requests by fairness class",
		},
		[]string{"class"},
	)
)

// RecordSessionCreated records a session creation.
func RecordSessionCreated() {
	SessionsCreatedTotal.Inc()
}

// RecordSessionReaped records a session reclamation.
func RecordSessionReaped() {
	SessionsReapedTotal.Inc()
}

// RecordActiveSessions records the live session count.
func RecordActiveSessions(n int) {
	ActiveSessions.Set(float64(n))
}

// RecordRequestStart records the start of a request.
func RecordRequestStart(class string) {
	SessionInFlight.WithLabelValues(class).Inc()
}

// RecordRequestEnd records the end of a request.
func RecordRequestEnd(class string, success bool) {
	SessionInFlight.WithLabelValues(class).Dec()
	result := "success"
	if !success {
		result = "error"
	}
	SessionRequestsTotal.WithLabelValues(class, result).Inc()
}
