package cvr

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	cvrLoadLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cvr",
		Name:      "load_seconds",
		Help:      "Latency for loading a full CVR snapshot from Postgres.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	cvrFlushLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cvr",
		Name:      "flush_seconds",
		Help:      "Latency for an atomic CVR flush, by outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"outcome"})

	cvrFlushConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cvr",
		Name:      "flush_conflicts_total",
		Help:      "Flushes aborted because the stored version no longer matched the expected version.",
	})

	cvrRowsTracked = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cvr",
		Name:      "rows_tracked",
		Help:      "Rows currently tracked in a group's CVR, by reference state.",
	}, []string{"group", "referenced"})

	cvrTracer = otel.Tracer("github.com/example/sync-vector-engine/cvr")
)

func init() {
	prometheus.MustRegister(cvrLoadLatency, cvrFlushLatency, cvrFlushConflicts, cvrRowsTracked)
}
