package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts handled requests by outcome code. An empty
	// code means success.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awgw_gateway_requests_total",
			Help: "Total requests handled by the gateway, by outcome code",
		},
		[]string{"code"},
	)

	// RequestDuration measures end-to-end request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "awgw_gateway_request_duration_seconds",
			Help:    "End-to-end gateway request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"code"},
	)
)

// RecordRequest records one handled request.
func RecordRequest(code string, seconds float64) {
	if code == "" {
		code = "OK"
	}
	RequestsTotal.WithLabelValues(code).Inc()
	RequestDuration.WithLabelValues(code).Observe(seconds)
}
