package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "peermesh"

// Prometheus exports the mesh counters. Metric names:
//
//	peermesh_links_opened_total{direction="initiator|responder"}
//	peermesh_links_closed_total{reason="closed|failed|timeout"}
//	peermesh_messages_sent_total
//	peermesh_messages_received_total
//	peermesh_bytes_sent_total
//	peermesh_bytes_received_total
//	peermesh_handshakes_total{result="joined|reconnected|duplicate|failed"}
//	peermesh_liveness_changes_total{state="connected|unresponsive"}
//	peermesh_backpressure_engaged_total
//	peermesh_relay_forwarded_total{kind="relay-offer|relay-answer"}
//	peermesh_grace_started_total
//	peermesh_grace_ended_total{result="reconnected|timeout|cancelled"}
//	peermesh_events_dropped_total
//	peermesh_peers_established
type Prometheus struct {
	linksOpened *prometheus.CounterVec
	linksClosed *prometheus.CounterVec

	messagesSent     prometheus.Counter
	messagesReceived prometheus.Counter
	bytesSent        prometheus.Counter
	bytesReceived    prometheus.Counter

	handshakes      *prometheus.CounterVec
	livenessChanges *prometheus.CounterVec
	backpressure    prometheus.Counter
	relayForwarded  *prometheus.CounterVec

	graceStarted prometheus.Counter
	graceEnded   *prometheus.CounterVec

	eventsDropped    prometheus.Counter
	peersEstablished prometheus.Gauge
}

var _ Metrics = (*Prometheus)(nil)

// NewPrometheus builds the collectors and registers them with registerer.
// A nil registerer leaves them unregistered. An empty namespace uses
// DefaultNamespace.
func NewPrometheus(namespace string, registerer prometheus.Registerer) *Prometheus {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	counterVec := func(name, help, label string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, []string{label})
	}

	p := &Prometheus{
		linksOpened:      counterVec("links_opened_total", "Total number of links whose primary channel opened", "direction"),
		linksClosed:      counterVec("links_closed_total", "Total number of closed links", "reason"),
		messagesSent:     counter("messages_sent_total", "Total number of text frames sent"),
		messagesReceived: counter("messages_received_total", "Total number of text frames received"),
		bytesSent:        counter("bytes_sent_total", "Total bytes sent over links"),
		bytesReceived:    counter("bytes_received_total", "Total bytes received over links"),
		handshakes:       counterVec("handshakes_total", "Introduce handshakes by outcome", "result"),
		livenessChanges:  counterVec("liveness_changes_total", "Liveness transitions by new state", "state"),
		backpressure:     counter("backpressure_engaged_total", "Times a bulk send waited for the buffer to drain"),
		relayForwarded:   counterVec("relay_forwarded_total", "Relay frames forwarded on behalf of other peers", "kind"),
		graceStarted:     counter("grace_started_total", "Grace periods started after an unexpected disconnect"),
		graceEnded:       counterVec("grace_ended_total", "Grace periods ended by outcome", "result"),
		eventsDropped:    counter("events_dropped_total", "Events dropped because a subscriber buffer was full"),
		peersEstablished: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_established",
			Help:      "Number of currently established peers",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			p.linksOpened,
			p.linksClosed,
			p.messagesSent,
			p.messagesReceived,
			p.bytesSent,
			p.bytesReceived,
			p.handshakes,
			p.livenessChanges,
			p.backpressure,
			p.relayForwarded,
			p.graceStarted,
			p.graceEnded,
			p.eventsDropped,
			p.peersEstablished,
		)
	}

	return p
}

func (p *Prometheus) LinkOpened(direction string) {
	p.linksOpened.WithLabelValues(direction).Inc()
}

func (p *Prometheus) LinkClosed(reason string) {
	p.linksClosed.WithLabelValues(reason).Inc()
}

func (p *Prometheus) MessageSent(bytes int) {
	p.messagesSent.Inc()
	p.bytesSent.Add(float64(bytes))
}

func (p *Prometheus) MessageReceived(bytes int) {
	p.messagesReceived.Inc()
	p.bytesReceived.Add(float64(bytes))
}

func (p *Prometheus) HandshakeCompleted(result string) {
	p.handshakes.WithLabelValues(result).Inc()
}

func (p *Prometheus) LivenessChanged(state string) {
	p.livenessChanges.WithLabelValues(state).Inc()
}

func (p *Prometheus) BackpressureEngaged() {
	p.backpressure.Inc()
}

func (p *Prometheus) RelayForwarded(kind string) {
	p.relayForwarded.WithLabelValues(kind).Inc()
}

func (p *Prometheus) GraceStarted() {
	p.graceStarted.Inc()
}

func (p *Prometheus) GraceEnded(result string) {
	p.graceEnded.WithLabelValues(result).Inc()
}

func (p *Prometheus) EventDropped() {
	p.eventsDropped.Inc()
}

func (p *Prometheus) PeersEstablished(n int) {
	p.peersEstablished.Set(float64(n))
}
