package viewsyncer

import "github.com/prometheus/client_golang/prometheus"

var (
	activeServices = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "viewsyncer",
		Name:      "active_services",
		Help:      "Client-group services currently running.",
	})

	pokesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "viewsyncer",
		Name:      "pokes_sent_total",
		Help:      "Pokes completed, by outcome.",
	}, []string{"outcome"})

	lockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "viewsyncer",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting to acquire a client group's fair lock.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
)

func init() {
	prometheus.MustRegister(activeServices, pokesSent, lockWaitSeconds)
}
