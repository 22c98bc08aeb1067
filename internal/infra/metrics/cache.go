package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(featureCacheLookups) }

// Only the feature cache exists today; the label keeps room for a news cache.
var featureCacheLookups = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "analysis",
		Name:      "cache_lookups_total",
		Help:      "Lookups against derived-data caches by outcome.",
	},
	[]string{"cache", "result"},
)

func IncCacheLookup(cacheName string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	featureCacheLookups.WithLabelValues(norm(cacheName), result).Inc()
}
