// Package diag wires a live debugging dashboard into a running
// controller process: goroutine/heap charts via debugcharts (declared
// in the teacher's own go.mod) on its own listener, and the
// controller's Prometheus metrics served on an adjacent mux, for
// attaching a browser to a deployed shadow driver instance without
// restarting it under a profiler.
package diag

import (
	"net/http"

	"github.com/mkevac/debugcharts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StartCharts launches debugcharts' own goroutine/heap chart server in
// the background. debugcharts owns its listening address internally;
// this is a thin named entry point so callers don't need to know that.
func StartCharts() {
	go debugcharts.Start()
}

// Dashboard serves a controller's registered Prometheus collectors.
type Dashboard struct {
	mux *http.ServeMux
}

// NewDashboard builds a Dashboard backed by gatherer, the gathering side
// of the registry a Controller's Metrics were registered against.
func NewDashboard(gatherer prometheus.Gatherer) *Dashboard {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Dashboard{mux: mux}
}

// ListenAndServe starts the dashboard's HTTP server on addr. It blocks
// until the server errors or is shut down.
func (d *Dashboard) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, d.mux)
}
