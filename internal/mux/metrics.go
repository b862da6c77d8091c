package mux

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MuxLeasesTotal counts leases brokered by the multiplexer by affinity outcome.
var MuxLeasesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "awgw_mux_leases_total",
		Help: "Total leases brokered by the multiplexer by affinity outcome",
	},
	[]string{"affinity"},
)

// RecordAffinity records an affinity hit or miss.
func RecordAffinity(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	MuxLeasesTotal.WithLabelValues(outcome).Inc()
}
