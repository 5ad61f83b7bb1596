package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by participants and the relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Published      *prometheus.CounterVec
	Received       *prometheus.CounterVec
	PublishErrors  *prometheus.CounterVec
	PeerLinks      prometheus.Gauge
	ICEQueued      prometheus.Counter
	ProximityMutes *prometheus.CounterVec
	Participants   prometheus.Gauge

	RelayFrames   *prometheus.CounterVec
	RelayDropped  prometheus.Counter
	RelayMembers  prometheus.Gauge
	RelayRejected *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Room messages published by event.",
		}, []string{"event"}),
		Received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Room messages received by event.",
		}, []string{"event"}),
		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed publishes by event.",
		}, []string{"event"}),
		PeerLinks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_links",
			Help:      "Open peer links.",
		}),
		ICEQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ice_candidates_queued_total",
			Help:      "Remote ICE candidates queued before the remote description was set.",
		}),
		ProximityMutes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proximity_transitions_total",
			Help:      "Proximity gate decisions by outcome.",
		}, []string{"state"}),
		Participants: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Participants known to the presence registry.",
		}),
		RelayFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_total",
			Help:      "Relay websocket frames by direction and type.",
		}, []string{"direction", "type"}),
		RelayDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_dropped_total",
			Help:      "Relay frames dropped on backpressure.",
		}),
		RelayMembers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_members",
			Help:      "Members connected to the relay.",
		}),
		RelayRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_rejected_total",
			Help:      "Relay frames rejected by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) IncPublished(event string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(event).Inc()
}

func (m *Metrics) IncReceived(event string) {
	if m == nil {
		return
	}
	m.Received.WithLabelValues(event).Inc()
}

func (m *Metrics) IncPublishError(event string) {
	if m == nil {
		return
	}
	m.PublishErrors.WithLabelValues(event).Inc()
}

func (m *Metrics) AddPeerLinks(delta float64) {
	if m == nil {
		return
	}
	m.PeerLinks.Add(delta)
}

func (m *Metrics) IncICEQueued() {
	if m == nil {
		return
	}
	m.ICEQueued.Inc()
}

func (m *Metrics) ObserveProximity(muted bool) {
	if m == nil {
		return
	}
	state := "unmuted"
	if muted {
		state = "muted"
	}
	m.ProximityMutes.WithLabelValues(state).Inc()
}

func (m *Metrics) SetParticipants(n int) {
	if m == nil {
		return
	}
	m.Participants.Set(float64(n))
}

func (m *Metrics) IncRelayFrame(direction, typ string) {
	if m == nil {
		return
	}
	m.RelayFrames.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) IncRelayDropped(n int) {
	if m == nil {
		return
	}
	m.RelayDropped.Add(float64(n))
}

func (m *Metrics) AddRelayMembers(delta float64) {
	if m == nil {
		return
	}
	m.RelayMembers.Add(delta)
}

func (m *Metrics) IncRelayRejected(reason string) {
	if m == nil {
		return
	}
	m.RelayRejected.WithLabelValues(reason).Inc()
}

func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
