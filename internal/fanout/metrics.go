package fanout

import "github.com/prometheus/client_golang/prometheus"

var signalLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "fanout",
	Name:      "signal_latency_seconds",
	Help:      "Observed latency between a peer's publish and this instance's receipt of a version signal.",
	Buckets:   prometheus.ExponentialBuckets(0.001, 3, 10),
}, []string{"group_id"})

func init() {
	prometheus.MustRegister(signalLatency)
}
