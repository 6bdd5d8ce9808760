package client

import "github.com/prometheus/client_golang/prometheus"

var (
	registryConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "client",
		Name:      "connections",
		Help:      "Connections currently registered, by client group.",
	}, []string{"group"})

	resolvedPokes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "client",
		Name:      "poke_parts_sent_total",
		Help:      "Poke parts flushed to a client connection, by client group.",
	}, []string{"group"})

	authFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "client",
		Name:      "auth_failures_total",
		Help:      "Gateway upgrade requests rejected by the authenticator, by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(registryConnections, resolvedPokes, authFailures)
}
