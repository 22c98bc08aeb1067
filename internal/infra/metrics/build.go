package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(buildInfo, startTime) }

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fin_analysis",
			Name:      "build_info",
			Help:      "Always 1; labels carry the release the process was built from.",
		},
		[]string{"version", "commit", "goversion"},
	)

	startTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fin_analysis",
		Name:      "start_time_seconds",
		Help:      "Unix time the service finished wiring its dependencies.",
	})
)

// SetBuildInfo is called once from main after the stores are opened.
func SetBuildInfo(version, commit string) {
	if version == "" {
		version = "dev"
	}
	if commit == "" {
		commit = "none"
	}
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
	startTime.Set(float64(time.Now().Unix()))
}
