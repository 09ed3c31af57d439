package monitoring

import (
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records session and signaling relay metrics. It
// implements ports.SessionMetrics.
type PrometheusCollector struct {
	// Session
	stateTransitions  *prometheus.CounterVec
	sessionsConnected prometheus.Gauge
	messagesSent      *prometheus.CounterVec
	bytesSent         *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	bytesReceived     *prometheus.CounterVec
	candidates        *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec

	// Histograms
	negotiationDuration *prometheus.HistogramVec
	negotiationErrors   *prometheus.CounterVec

	// Relay
	roomsActive    prometheus.Gauge
	peersConnected prometheus.Gauge
	signalMessages *prometheus.CounterVec
	signalRejected *prometheus.CounterVec
}

var _ ports.SessionMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers every metric on reg. A nil reg uses the
// default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusCollector{
		stateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_session_state_transitions_total",
			Help: "Session state machine transitions",
		}, []string{"from", "to"}),

		sessionsConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "peerlink_sessions_connected",
			Help: "Number of sessions currently in the connected state",
		}),

		messagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_datachannel_messages_sent_total",
			Help: "Data channel send attempts by result",
		}, []string{"label", "result"}),

		bytesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_datachannel_sent_bytes_total",
			Help: "Bytes handed to data channels",
		}, []string{"label"}),

		messagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_datachannel_messages_received_total",
			Help: "Messages received on data channels",
		}, []string{"label"}),

		bytesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_datachannel_received_bytes_total",
			Help: "Bytes received on data channels",
		}, []string{"label"}),

		candidates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_ice_candidates_total",
			Help: "Remote ICE candidates by outcome (applied, buffered, failed)",
		}, []string{"outcome"}),

		reconnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_reconnect_attempts_total",
			Help: "Reconnection attempts by result",
		}, []string{"result"}),

		negotiationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peerlink_negotiation_duration_seconds",
			Help:    "Duration of negotiation steps",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"op"}),

		negotiationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_negotiation_errors_total",
			Help: "Failed negotiation steps",
		}, []string{"op"}),

		roomsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "peerlink_signal_rooms_active",
			Help: "Signaling rooms with at least one peer",
		}),

		peersConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "peerlink_signal_peers_connected",
			Help: "WebSocket peers connected to the relay",
		}),

		signalMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_signal_messages_total",
			Help: "Signaling messages relayed by type",
		}, []string{"type"}),

		signalRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_signal_rejected_total",
			Help: "Signaling messages or joins rejected by reason",
		}, []string{"reason"}),
	}
}

func (p *PrometheusCollector) StateTransition(_ string, from, to domain.State) {
	p.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	if to == domain.StateConnected {
		p.sessionsConnected.Inc()
	}
	if from == domain.StateConnected {
		p.sessionsConnected.Dec()
	}
}

func (p *PrometheusCollector) MessageSent(label string, bytes int, ok bool) {
	if !ok {
		p.messagesSent.WithLabelValues(label, "failed").Inc()
		return
	}
	p.messagesSent.WithLabelValues(label, "ok").Inc()
	p.bytesSent.WithLabelValues(label).Add(float64(bytes))
}

func (p *PrometheusCollector) MessageReceived(label string, bytes int) {
	p.messagesReceived.WithLabelValues(label).Inc()
	p.bytesReceived.WithLabelValues(label).Add(float64(bytes))
}

func (p *PrometheusCollector) CandidateProcessed(outcome string) {
	p.candidates.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) NegotiationStep(op string, elapsed time.Duration, err error) {
	p.negotiationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil {
		p.negotiationErrors.WithLabelValues(op).Inc()
	}
}

func (p *PrometheusCollector) ReconnectAttempt(success bool) {
	result := "failed"
	if success {
		result = "ok"
	}
	p.reconnectAttempts.WithLabelValues(result).Inc()
}

// RecordRoomOpened and RecordRoomClosed track relay room lifetime.
func (p *PrometheusCollector) RecordRoomOpened() { p.roomsActive.Inc() }

func (p *PrometheusCollector) RecordRoomClosed() { p.roomsActive.Dec() }

func (p *PrometheusCollector) RecordPeerJoined() { p.peersConnected.Inc() }

func (p *PrometheusCollector) RecordPeerLeft() { p.peersConnected.Dec() }

func (p *PrometheusCollector) RecordSignalMessage(msgType string) {
	p.signalMessages.WithLabelValues(msgType).Inc()
}

func (p *PrometheusCollector) RecordSignalRejected(reason string) {
	p.signalRejected.WithLabelValues(reason).Inc()
}
