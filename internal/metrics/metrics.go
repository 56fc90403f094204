// Package metrics holds the Prometheus collectors exported by rtcrd.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LedgerEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rtcr_ledger_entries",
			Help: "Live entries across all ledgers of a kind.",
		},
		[]string{"ledger"},
	)

	Inconsistencies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtcr_ledger_inconsistencies_total",
			Help: "Release or detach calls that referenced an unrecorded handle or address.",
		},
		[]string{"ledger", "op"},
	)

	ForwardErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtcr_forward_errors_total",
			Help: "Calls rejected by the underlying service.",
		},
		[]string{"op"},
	)

	Sessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtcr_sessions",
			Help: "Live intercepted sessions.",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
