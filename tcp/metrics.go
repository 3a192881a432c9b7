package tcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level Prometheus instrumentation. These are a side-output only:
// the engine increments them but never reads them back, so connection state
// stays a pure function of its inputs.
var (
	metricEstablished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpcore_connections_established_total",
		Help: "Connections that completed the three-way handshake.",
	})

	metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcpcore_connections_dropped_total",
		Help: "Connections removed from the engine, labelled by cause.",
	}, []string{"cause"})

	metricRetransmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpcore_retransmissions_total",
		Help: "Data segments retransmitted by the retransmit timer or by fast retransmit.",
	})

	metricChallengeAcks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcpcore_challenge_acks_total",
		Help: "Challenge ACKs emitted per RFC 5961 in response to unacceptable segments.",
	})

	metricLiveConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tcpcore_live_connections",
		Help: "Connections currently tracked by the engine.",
	})
)
