package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	rooms          prometheus.Gauge
	sessions       prometheus.Gauge
	framesTotal    *prometheus.CounterVec
	protocolErrors prometheus.Counter
	broadcasts     prometheus.Counter
	droppedFrames  *prometheus.CounterVec
	savesTotal     *prometheus.CounterVec
	saveDuration   prometheus.Histogram
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "collab",
			Name:      "rooms",
			Help:      "Number of rooms currently in the registry",
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "collab",
			Name:      "sessions",
			Help:      "Number of open websocket sessions",
		}),
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "frames_total",
			Help:      "Inbound frames by message type",
		}, []string{"type"}),
		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "protocol_errors_total",
			Help:      "Frames rejected as malformed",
		}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "broadcast_deliveries_total",
			Help:      "Frames fanned out to sibling sessions",
		}),
		droppedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "dropped_frames_total",
			Help:      "Frames that were not processed or delivered",
		}, []string{"reason"}),
		savesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "saves_total",
			Help:      "Document writes by result",
		}, []string{"result"}),
		saveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "collab",
			Name:      "save_duration_seconds",
			Help:      "Duration of document writes",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) SetRooms(n int) {
	if m != nil {
		m.rooms.Set(float64(n))
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) Frame(messageType string) {
	if m != nil {
		m.framesTotal.WithLabelValues(messageType).Inc()
	}
}

func (m *Metrics) ProtocolError() {
	if m != nil {
		m.protocolErrors.Inc()
	}
}

func (m *Metrics) Broadcast(deliveries int) {
	if m != nil {
		m.broadcasts.Add(float64(deliveries))
	}
}

func (m *Metrics) DroppedFrame(reason string) {
	if m != nil {
		m.droppedFrames.WithLabelValues(reason).Inc()
	}
}

// Save records one write; result is "ok", "error" or "skipped".
func (m *Metrics) Save(result string, seconds float64) {
	if m == nil {
		return
	}
	m.savesTotal.WithLabelValues(result).Inc()
	if result != "skipped" {
		m.saveDuration.Observe(seconds)
	}
}
