// Package metrics provides Prometheus metrics for socks5d.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "socks5d"

// Metrics contains all Prometheus metrics exposed by the proxy.
type Metrics struct {
	TCPConnectionsActive prometheus.Gauge
	TCPConnectionsTotal  *prometheus.CounterVec // labeled by protocol: socks4, socks5

	UDPAssociationsActive prometheus.Gauge
	UDPAssociationsTotal  prometheus.Counter
	UDPDatagramsDropped   prometheus.Counter
	UDPResolveCacheSize   prometheus.Gauge // registered; the proxy never sets it

	BytesRelayed *prometheus.CounterVec // labeled by direction: upstream, downstream; the proxy never records it

	AuthFailures prometheus.Counter

	ConnectLatency prometheus.Histogram // registered; the proxy never observes it
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, useful for tests that don't want to pollute the global one.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TCPConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tcp_connections_active",
			Help:      "Number of currently active TCP connections",
		}),
		TCPConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_connections_total",
			Help:      "Total TCP connections accepted, by SOCKS protocol version",
		}, []string{"protocol"}),

		UDPAssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of currently active UDP ASSOCIATE relays",
		}),
		UDPAssociationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_associations_total",
			Help:      "Total UDP ASSOCIATE relays established",
		}),
		UDPDatagramsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_dropped_total",
			Help:      "Total client UDP datagrams not forwarded because their header was invalid, their destination did not resolve, or the send failed",
		}),
		UDPResolveCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_resolve_cache_entries",
			Help:      "Total entries across all active UDP association resolve caches",
		}),

		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed, by direction",
		}, []string{"direction"}),

		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total SOCKS5 authentication failures",
		}),

		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Histogram of CONNECT dial latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}
}

// RecordTCPConnect records a new TCP connection for the given protocol
// ("socks4" or "socks5").
func (m *Metrics) RecordTCPConnect(protocol string) {
	m.TCPConnectionsActive.Inc()
	m.TCPConnectionsTotal.WithLabelValues(protocol).Inc()
}

// RecordTCPDisconnect records a TCP connection closing.
func (m *Metrics) RecordTCPDisconnect() {
	m.TCPConnectionsActive.Dec()
}

// RecordUDPAssociationOpen records a new UDP ASSOCIATE relay.
func (m *Metrics) RecordUDPAssociationOpen() {
	m.UDPAssociationsActive.Inc()
	m.UDPAssociationsTotal.Inc()
}

// RecordUDPAssociationClose records a UDP ASSOCIATE relay tearing down.
func (m *Metrics) RecordUDPAssociationClose() {
	m.UDPAssociationsActive.Dec()
}

// RecordUDPDatagramDropped records a client datagram the UDP relay did
// not forward. Datagrams dropped because a session's queue is full are
// not counted.
func (m *Metrics) RecordUDPDatagramDropped() {
	m.UDPDatagramsDropped.Inc()
}

// RecordBytesUpstream records bytes relayed from client to origin.
func (m *Metrics) RecordBytesUpstream(n int) {
	m.BytesRelayed.WithLabelValues("upstream").Add(float64(n))
}

// RecordBytesDownstream records bytes relayed from origin to client.
func (m *Metrics) RecordBytesDownstream(n int) {
	m.BytesRelayed.WithLabelValues("downstream").Add(float64(n))
}

// RecordAuthFailure records a SOCKS5 authentication failure.
func (m *Metrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}

// RecordConnectLatency records CONNECT dial latency in seconds.
func (m *Metrics) RecordConnectLatency(seconds float64) {
	m.ConnectLatency.Observe(seconds)
}
