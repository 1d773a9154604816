package rudp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "rudp"

// metrics holds the Prometheus collectors shared by a host and its
// connections.
type metrics struct {
	packetsSent       *prometheus.CounterVec
	packetsReceived   *prometheus.CounterVec
	retransmissions   prometheus.Counter
	reliableDropped   prometheus.Counter
	gapSkips          prometheus.Counter
	malformed         prometheus.Counter
	unknown           prometheus.Counter
	handshakeFailures prometheus.Counter
	connections       prometheus.Gauge
}

// newMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_sent_total",
			Help:      "Datagrams written, by packet type",
		}, []string{"type"}),

		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_received_total",
			Help:      "Datagrams handed to a connection, by packet type",
		}, []string{"type"}),

		retransmissions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retransmissions_total",
			Help:      "Reliable packets sent again after a retry interval without ACK",
		}),

		reliableDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reliable_dropped_total",
			Help:      "Reliable packets abandoned after the last retry",
		}),

		gapSkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gap_skips_total",
			Help:      "Missing reliable packets skipped after the gap timeout",
		}),

		malformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "malformed_packets_total",
			Help:      "Datagrams dropped because they could not be parsed",
		}),

		unknown: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "unknown_datagrams_total",
			Help:      "Datagrams from addresses without a connection",
		}),

		handshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshake_failures_total",
			Help:      "Handshakes aborted on a challenge mismatch",
		}),

		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Connections with a completed handshake",
		}),
	}
}
