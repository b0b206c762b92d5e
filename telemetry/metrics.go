package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the gossip counters of one node. Each node gets its own
// registry so several nodes can live in one process (tests).
type Metrics struct {
	Registry *prometheus.Registry

	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	SendErrors       prometheus.Counter
	KnownPeers       prometheus.Gauge
}

func New(node string) *Metrics {
	labels := prometheus.Labels{"node": node}

	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "gossip",
				Name:        "messages_sent_total",
				Help:        "Protocol messages queued for sending, by type.",
				ConstLabels: labels,
			},
			[]string{"type"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "gossip",
				Name:        "messages_received_total",
				Help:        "Protocol messages received and decoded, by type.",
				ConstLabels: labels,
			},
			[]string{"type"},
		),

		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "gossip",
			Name:        "decode_errors_total",
			Help:        "Inbound payloads discarded as malformed or of unknown type.",
			ConstLabels: labels,
		}),

		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "gossip",
			Name:        "send_errors_total",
			Help:        "Messages that could not be queued for a peer.",
			ConstLabels: labels,
		}),

		KnownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "gossip",
			Name:        "known_peers",
			Help:        "Number of peers in the registry.",
			ConstLabels: labels,
		}),
	}

	startTime := time.Now()
	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   "gossip",
			Name:        "uptime_seconds",
			Help:        "Node uptime in seconds.",
			ConstLabels: labels,
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)

	m.Registry.MustRegister(m.MessagesSent, m.MessagesReceived, m.DecodeErrors, m.SendErrors, m.KnownPeers, uptime)

	return m
}

// Handler exposes /metrics. Mount it with mux.Handle("/metrics", m.Handler()).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
