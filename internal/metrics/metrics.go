// Package metrics wires the ambient Prometheus instrumentation described in
// SPEC_FULL.md §1: routing-table occupancy, tx/rx counters per local address, and
// transaction RTT, exported via promhttp on an optional debug listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector this module exports. Callers obtain one via
// New and pass it down into the node orchestrators and peer engines they
// create.
type Metrics struct {
	RoutingTableSize      *prometheus.GaugeVec
	RoutingTableGoodPeers *prometheus.GaugeVec
	PeerTxPackets         *prometheus.CounterVec
	PeerRxPackets         *prometheus.CounterVec
	PeerTxBytes           *prometheus.CounterVec
	PeerRxBytes           *prometheus.CounterVec
	TransactionRTT        prometheus.Histogram
	PeerEnginesTerminated prometheus.Counter
}

// New registers and returns the module's collectors against reg. Pass
// prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RoutingTableSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mdht",
			Name:      "routing_table_size",
			Help:      "Number of occupied routing table slots, per local address.",
		}, []string{"local_addr"}),
		RoutingTableGoodPeers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mdht",
			Name:      "routing_table_good_peers",
			Help:      "Number of routing table slots currently in Good status, per local address.",
		}, []string{"local_addr"}),
		PeerTxPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mdht",
			Name:      "peer_tx_packets_total",
			Help:      "Packets sent, per local address.",
		}, []string{"local_addr"}),
		PeerRxPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mdht",
			Name:      "peer_rx_packets_total",
			Help:      "Packets received, per local address.",
		}, []string{"local_addr"}),
		PeerTxBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mdht",
			Name:      "peer_tx_bytes_total",
			Help:      "Bytes sent, per local address.",
		}, []string{"local_addr"}),
		PeerRxBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mdht",
			Name:      "peer_rx_bytes_total",
			Help:      "Bytes received, per local address.",
		}, []string{"local_addr"}),
		TransactionRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mdht",
			Name:      "transaction_rtt_seconds",
			Help:      "Observed round-trip time for resolved transactions.",
			Buckets:   prometheus.DefBuckets,
		}),
		PeerEnginesTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mdht",
			Name:      "peer_engines_terminated_total",
			Help:      "Number of peer engines that reached Term status.",
		}),
	}

	reg.MustRegister(
		m.RoutingTableSize,
		m.RoutingTableGoodPeers,
		m.PeerTxPackets,
		m.PeerRxPackets,
		m.PeerTxBytes,
		m.PeerRxBytes,
		m.TransactionRTT,
		m.PeerEnginesTerminated,
	)
	return m
}

// Handler returns the promhttp handler to mount on a debug listener.
func (m *Metrics) Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
