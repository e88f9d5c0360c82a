// Package metrics registers prometheus counters and exposes the /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BarsFedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bars_fed_total", Help: "Bars streamed to strategy sessions"},
		[]string{"symbol"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Signals accepted from strategies"},
		[]string{"symbol", "direction"},
	)
	SignalsDiscardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_discarded_total", Help: "Extra same-bar signals dropped by first-wins policy"},
		[]string{"symbol"},
	)
	BootstrapRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bootstrap_requests_total", Help: "Historical bootstrap requests by outcome"},
		[]string{"symbol", "outcome"},
	)
	BootstrapBarsServedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bootstrap_bars_served_total", Help: "Bars returned by the bootstrap service"},
		[]string{"symbol"},
	)
	MalformedRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "csv_malformed_rows_total", Help: "CSV archive rows skipped during parsing"},
		[]string{"symbol"},
	)
	RelayedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bus_relayed_messages_total", Help: "Messages rewritten between channel namespaces"},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(
		BarsFedTotal,
		SignalsTotal,
		SignalsDiscardedTotal,
		BootstrapRequestsTotal,
		BootstrapBarsServedTotal,
		MalformedRowsTotal,
		RelayedMessagesTotal,
	)
}

// Serve starts a background HTTP server exposing /metrics on addr.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
