package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the interface for metrics collection
type Collector interface {
	// Relay metrics
	ClientConnected(role string)
	ClientDisconnected(role string)
	SignalRouted(messageType string)
	SignalError(messageType, reason string)

	// Data channel metrics
	MessageSent(messageType string)
	MessageFailed(messageType, reason string)

	// Peer lifecycle metrics
	PeerStateChanged(state string)

	// Handler returns an HTTP handler for metrics endpoint
	Handler() http.Handler
}

// PrometheusCollector implements the Collector interface using Prometheus.
// Each collector owns its registry so several can coexist in one process.
type PrometheusCollector struct {
	registry *prometheus.Registry

	activeClients  *prometheus.GaugeVec
	signalsRouted  *prometheus.CounterVec
	signalErrors   *prometheus.CounterVec
	messagesSent   *prometheus.CounterVec
	messagesFailed *prometheus.CounterVec
	peerStates     *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector
func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		activeClients: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ensemble_relay_active_clients",
				Help: "Number of clients registered with the relay",
			},
			[]string{"role"},
		),

		signalsRouted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_relay_signals_routed_total",
				Help: "Total number of signaling messages routed by the relay",
			},
			[]string{"message_type"},
		),

		signalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_relay_signal_errors_total",
				Help: "Total number of signaling messages the relay could not route",
			},
			[]string{"message_type", "reason"},
		),

		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_datachannel_messages_sent_total",
				Help: "Total number of data channel messages delivered",
			},
			[]string{"message_type"},
		),

		messagesFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_datachannel_messages_failed_total",
				Help: "Total number of data channel messages that could not be delivered",
			},
			[]string{"message_type", "reason"},
		),

		peerStates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ensemble_peer_state_transitions_total",
				Help: "Total number of peer connection state transitions",
			},
			[]string{"state"},
		),
	}
}

func (c *PrometheusCollector) ClientConnected(role string) {
	c.activeClients.WithLabelValues(role).Inc()
}

func (c *PrometheusCollector) ClientDisconnected(role string) {
	c.activeClients.WithLabelValues(role).Dec()
}

func (c *PrometheusCollector) SignalRouted(messageType string) {
	c.signalsRouted.WithLabelValues(messageType).Inc()
}

func (c *PrometheusCollector) SignalError(messageType, reason string) {
	c.signalErrors.WithLabelValues(messageType, reason).Inc()
}

func (c *PrometheusCollector) MessageSent(messageType string) {
	c.messagesSent.WithLabelValues(messageType).Inc()
}

func (c *PrometheusCollector) MessageFailed(messageType, reason string) {
	c.messagesFailed.WithLabelValues(messageType, reason).Inc()
}

func (c *PrometheusCollector) PeerStateChanged(state string) {
	c.peerStates.WithLabelValues(state).Inc()
}

// Handler returns an HTTP handler for metrics endpoint
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Nop is a Collector that records nothing.
type Nop struct{}

func (Nop) ClientConnected(string)       {}
func (Nop) ClientDisconnected(string)    {}
func (Nop) SignalRouted(string)          {}
func (Nop) SignalError(string, string)   {}
func (Nop) MessageSent(string)           {}
func (Nop) MessageFailed(string, string) {}
func (Nop) PeerStateChanged(string)      {}
func (Nop) Handler() http.Handler        { return http.NotFoundHandler() }
