package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(retrievals) }

var retrievals = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "analysis",
		Name:      "retrievals_total",
		Help:      "Research-report and web search lookups made for chat answers, by outcome.",
	},
	[]string{"source", "outcome"},
)

// IncRetrieval counts one lookup; outcome is ok, empty, error or unavailable.
func IncRetrieval(source, outcome string) {
	retrievals.WithLabelValues(norm(source), norm(outcome)).Inc()
}
