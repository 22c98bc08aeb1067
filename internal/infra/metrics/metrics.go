// Package metrics holds the Prometheus collectors of the analysis service.
// Each file declares its collectors and queues them with register from init;
// nothing is exported to a registry until MustRegister runs.
package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once
	pending      []prometheus.Collector
)

func register(cs ...prometheus.Collector) { pending = append(pending, cs...) }

// MustRegister exports the queued collectors on the default registry.
func MustRegister() { MustRegisterWith(prometheus.DefaultRegisterer) }

// MustRegisterWith exports the queued collectors on reg. Later calls, with
// any registerer, are no-ops.
func MustRegisterWith(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if len(pending) == 0 {
			return
		}
		reg.MustRegister(pending...)
	})
}

// Handler serves the default gatherer, registering collectors first so a
// scrape never races the startup path.
func Handler() http.Handler {
	MustRegister()
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}

// norm folds label values so "Prophet" and "prophet " share a series.
func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
