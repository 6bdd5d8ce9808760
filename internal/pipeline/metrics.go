package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	pipelineInitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pipeline",
		Name:      "init_seconds",
		Help:      "Time spent hydrating newly added queries.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	pipelineHydratedQueries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pipeline",
		Name:      "hydrated_queries_total",
		Help:      "Queries hydrated via a full source scan.",
	})

	pipelineRowsAdvanced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pipeline",
		Name:      "rows_advanced_total",
		Help:      "Row changes produced while advancing tracked queries.",
	})
)

func init() {
	prometheus.MustRegister(pipelineInitLatency, pipelineHydratedQueries, pipelineRowsAdvanced)
}
