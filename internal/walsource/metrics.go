package walsource

import "github.com/prometheus/client_golang/prometheus"

var (
	scanLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "walsource",
		Name:      "scan_seconds",
		Help:      "Latency for a full-table replica scan, by table.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"table"})

	pollLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "walsource",
		Name:      "poll_lag_seconds",
		Help:      "Time since the replica change poll last observed a new row.",
	})
)

func init() {
	prometheus.MustRegister(scanLatency, pollLag)
}
