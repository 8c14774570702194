// Package promexport exposes the runtime host's metrics registry over
// a Prometheus-compatible /metrics HTTP endpoint, as an opt-in
// side-channel for operators who prefer scraping over the in-band
// __METRICS__ wire command. It does not change wire-protocol behavior.
package promexport

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quietloop/runtimehost/internal/metrics"
)

// Handler returns an http.Handler that reports reg's counters as a set
// of Prometheus gauges, one per counter name in metrics.Names. On every
// scrape each gauge reads its own counter with reg.Get; the values are
// read one at a time, not taken from a single snapshot.
func Handler(reg *metrics.Registry) http.Handler {
	promReg := prometheus.NewRegistry()
	for _, name := range metrics.Names {
		name := name
		gauge := prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "runtimehost",
				Name:      name,
				Help:      "runtime host counter: " + name,
			},
			func() float64 { return float64(reg.Get(name)) },
		)
		promReg.MustRegister(gauge)
	}
	return promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
}
