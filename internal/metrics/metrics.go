// Package metrics exposes per-node Prometheus collectors.
// Every node owns its registry so that several nodes can
// run in one process. A nil *Metrics records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ephemeral"

type Metrics struct { // A
	registry *prometheus.Registry

	connsMapped    prometheus.Gauge
	connsOpen      prometheus.Gauge
	potentialPeers prometheus.Gauge
	received       *prometheus.CounterVec
	sent           *prometheus.CounterVec
	postsAdded     *prometheus.CounterVec
	malformed      prometheus.Counter
	evictions      prometheus.Counter
}

func New() *Metrics { // A
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connsMapped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_mapped",
			Help:      "Connections in the connection map, open or pending.",
		}),
		connsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Connections whose channel is open.",
		}),
		potentialPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "potential_peers",
			Help:      "Known peers not yet connected.",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Gossip messages received by type.",
		}, []string{"type"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Gossip messages sent by type.",
		}, []string{"type"}),
		postsAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_added_total",
			Help:      "Posts handed to addPost by verification outcome.",
		}, []string{"state"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_malformed_total",
			Help:      "Inbound messages dropped as undecodable.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_evictions_total",
			Help:      "Connections closed by eviction or purge.",
		}),
	}
	m.registry.MustRegister(
		m.connsMapped,
		m.connsOpen,
		m.potentialPeers,
		m.received,
		m.sent,
		m.postsAdded,
		m.malformed,
		m.evictions,
	)
	return m
}

// Handler serves the registry in the Prometheus text
// format.
func (m *Metrics) Handler() http.Handler { // A
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry { // A
	return m.registry
}

func (m *Metrics) SetConnections(mapped, open int) { // A
	if m == nil {
		return
	}
	m.connsMapped.Set(float64(mapped))
	m.connsOpen.Set(float64(open))
}

func (m *Metrics) SetPotentialPeers(n int) { // A
	if m == nil {
		return
	}
	m.potentialPeers.Set(float64(n))
}

func (m *Metrics) MessageReceived(kind string) { // A
	if m == nil {
		return
	}
	m.received.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessageSent(kind string) { // A
	if m == nil {
		return
	}
	m.sent.WithLabelValues(kind).Inc()
}

func (m *Metrics) PostAdded(state string) { // A
	if m == nil {
		return
	}
	m.postsAdded.WithLabelValues(state).Inc()
}

func (m *Metrics) Malformed() { // A
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) Evicted() { // A
	if m == nil {
		return
	}
	m.evictions.Inc()
}
