package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage names recorded in the rolling latency window.
const (
	StageStartToConnected  = "start_to_connected"
	StageStartToFirstChunk = "start_to_first_chunk"
	StageStreamTotal       = "stream_total"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveStreams     prometheus.Gauge
	StreamEvents      *prometheus.CounterVec
	StreamOutcomes    *prometheus.CounterVec
	Reconnects        prometheus.Counter
	LedgerErrors      *prometheus.CounterVec
	SweptSessions     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	FirstChunkLatency prometheus.Histogram

	window *streamWindow
}

// NewMetrics registers the instruments with the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the instruments with reg.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of streams currently receiving data.",
		}),
		StreamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Stream events by type.",
		}, []string{"event"}),
		StreamOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_outcomes_total",
			Help:      "Finished streams by outcome and transport mode.",
		}, []string{"outcome", "mode"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Reconnection attempts made by stream connections.",
		}),
		LedgerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_errors_total",
			Help:      "Failed ledger writes by operation.",
		}, []string{"op"}),
		SweptSessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_swept_sessions_total",
			Help:      "Sessions removed or marked by the ledger sweeps.",
		}, []string{"sweep"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		FirstChunkLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_chunk_latency_ms",
			Help:      "Latency from stream start to the first content chunk in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}),
		window: newStreamWindow(256),
	}
}

func (m *Metrics) ObserveEvent(event string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamFinished records the outcome and the total duration of a stream.
func (m *Metrics) StreamFinished(outcome, mode string, total time.Duration) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamOutcomes.WithLabelValues(outcome, mode).Inc()
	m.window.finished(outcome, total)
}

func (m *Metrics) ObserveConnected(sinceStart time.Duration) {
	if m == nil {
		return
	}
	m.window.connectedAfter(sinceStart)
}

func (m *Metrics) ObserveFirstChunk(sinceStart time.Duration) {
	if m == nil {
		return
	}
	m.FirstChunkLatency.Observe(float64(sinceStart.Milliseconds()))
	m.window.firstChunkAfter(sinceStart)
}

func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
	m.window.reconnected()
}

func (m *Metrics) ObserveLedgerError(op string) {
	if m == nil {
		return
	}
	m.LedgerErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveSweep(sweep string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweptSessions.WithLabelValues(sweep).Add(float64(n))
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// SnapshotStreamStages returns recent stage latencies and how streams ended.
func (m *Metrics) SnapshotStreamStages() StreamStageSnapshot {
	if m == nil {
		return StreamStageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StreamStageStats{}}
	}
	return m.window.snapshot(time.Now())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsHandlerFor serves the metrics gathered by g.
func MetricsHandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
