// Package metrics exports dispatcher, side-channel and connection metrics
// to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pairlink/pkg/connection"
	"pairlink/pkg/receiver"
	"pairlink/pkg/stanza"
)

// Metrics holds the collectors. It implements receiver.TransferObserver and
// receiver.DropObserver.
type Metrics struct {
	registry prometheus.Registerer

	// Dispatch metrics
	StanzasDispatched *prometheus.CounterVec

	// Binary side-channel metrics
	TransfersReceived *prometheus.CounterVec
	TransferBytes     *prometheus.CounterVec
	TransferDuration  prometheus.Histogram
	PacketsDropped    *prometheus.CounterVec

	// Connection metrics
	ConnectionState  prometheus.Gauge
	StateTransitions *prometheus.CounterVec
}

// New creates and registers the collectors. A nil registry selects the
// default registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registry: registry,

		StanzasDispatched: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "pairlink_stanzas_dispatched_total",
			Help: "Stanzas delivered through the dispatch context",
		}, []string{"kind"}),

		TransfersReceived: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "pairlink_transfers_received_total",
			Help: "Binary extensions received over the side-channel",
		}, []string{"element"}),
		TransferBytes: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "pairlink_transfer_bytes_total",
			Help: "Binary extension payload bytes received",
		}, []string{"encoding"}),
		TransferDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "pairlink_transfer_duration_seconds",
			Help:    "Side-channel transfer duration",
			Buckets: prometheus.DefBuckets,
		}),
		PacketsDropped: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "pairlink_packets_dropped_total",
			Help: "Binary extensions discarded before dispatch",
		}, []string{"reason"}),

		ConnectionState: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "pairlink_connection_state",
			Help: "Current connection state (0 not connected, 1 connecting, 2 connected, 3 disconnecting, 4 error)",
		}),
		StateTransitions: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "pairlink_connection_transitions_total",
			Help: "Connection state transitions by target state",
		}, []string{"state"}),
	}
}

// TransferReceived implements receiver.TransferObserver.
func (m *Metrics) TransferReceived(ext *stanza.BinaryExtension) {
	m.TransfersReceived.WithLabelValues(ext.ElementName).Inc()
	m.TransferBytes.WithLabelValues("compressed").Add(float64(ext.CompressedSize))
	m.TransferBytes.WithLabelValues("uncompressed").Add(float64(ext.UncompressedSize))
	m.TransferDuration.Observe(ext.Duration.Seconds())
}

// PacketDropped implements receiver.DropObserver.
func (m *Metrics) PacketDropped(reason receiver.DropReason) {
	m.PacketsDropped.WithLabelValues(string(reason)).Inc()
}

// StanzaDispatched counts s. It has the signature of receiver.Listener.
func (m *Metrics) StanzaDispatched(s *stanza.Stanza) {
	m.StanzasDispatched.WithLabelValues(s.Kind.String()).Inc()
}

// ConnectionStateChanged records state. It has the signature of
// connection.StateListener.
func (m *Metrics) ConnectionStateChanged(_ connection.StanzaSource, state connection.State) {
	m.ConnectionState.Set(float64(state))
	m.StateTransitions.WithLabelValues(state.String()).Inc()
}

// Attach registers m with r. The returned function detaches it.
func (m *Metrics) Attach(r *receiver.Receiver) func() {
	observer := r.AddTransferObserver(m)
	listener := r.AddListener(m.StanzaDispatched, nil)
	return func() {
		r.RemoveTransferObserver(observer)
		r.RemoveListener(listener)
	}
}

// TrackGauge exports the value of fn, sampled on every scrape.
func (m *Metrics) TrackGauge(name, help string, fn func() float64) error {
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: help,
	}, fn))
}
