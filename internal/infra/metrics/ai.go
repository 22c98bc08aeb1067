package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(llmTokens, llmRequestSeconds, llmFailovers) }

var (
	llmTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llm",
			Name:      "tokens_total",
			Help:      "Tokens exchanged with language model providers, split by prompt and completion.",
		},
		[]string{"provider", "model", "kind"},
	)

	// Report generation over a long news digest routinely takes tens of seconds.
	llmRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "llm",
			Name:      "request_duration_seconds",
			Help:      "Wall time of chat completion requests.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60, 120},
		},
		[]string{"provider", "outcome"},
	)

	llmFailovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llm",
			Name:      "failovers_total",
			Help:      "Chat requests handed to the next provider after the previous one was unavailable.",
		},
		[]string{"from", "to"},
	)
)

// ObserveChatUsage records one chat completion. Zero token counts are not
// added so failed calls only show up in the duration histogram.
func ObserveChatUsage(provider, model string, tokensIn, tokensOut int, latencyMs int64, success bool) {
	p, m := norm(provider), norm(model)
	if tokensIn > 0 {
		llmTokens.WithLabelValues(p, m, "prompt").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		llmTokens.WithLabelValues(p, m, "completion").Add(float64(tokensOut))
	}
	outcome := "error"
	if success {
		outcome = "ok"
	}
	d := time.Duration(latencyMs) * time.Millisecond
	llmRequestSeconds.WithLabelValues(p, outcome).Observe(d.Seconds())
}

// IncFailover counts a provider switch inside the multi-provider router.
func IncFailover(from, to string) {
	llmFailovers.WithLabelValues(norm(from), norm(to)).Inc()
}
