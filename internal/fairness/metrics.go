package fairness

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueEnqueuedTotal counts tickets issued per fairness class.
	QueueEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awgw_fairness_enqueued_total",
			Help: "Total tickets enqueued by fairness class",
		},
		[]string{"class"},
	)

	// QueueOutcomesTotal counts ticket outcomes per fairness class.
	QueueOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "awgw_fairness_outcomes_total",
			Help: "Total ticket outcomes by fairness class",
		},
		[]string{"class", "outcome"},
	)

	// QueueWaitDuration measures queue wait times per fairness class.
	QueueWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "awgw_fairness_queue_wait_seconds",
			Help:    "Queue wait time by fairness class in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"class"},
	)
)

// RecordEnqueue records a ticket being issued.
func RecordEnqueue(class string) {
	QueueEnqueuedTotal.WithLabelValues(class).Inc()
}

// RecordQueueOutcome records a ticket outcome.
func RecordQueueOutcome(class, outcome string) {
	QueueOutcomesTotal.WithLabelValues(class, outcome).Inc()
}

// RecordQueueWait records time spent queued before grant.
func RecordQueueWait(class string, seconds float64) {
	QueueWaitDuration.WithLabelValues(class).Observe(seconds)
}
