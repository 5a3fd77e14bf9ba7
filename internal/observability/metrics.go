package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveConnections   prometheus.Gauge
	AdmissionEvents     *prometheus.CounterVec
	RelayMessages       *prometheus.CounterVec
	RelayTeardowns      *prometheus.CounterVec
	UpstreamErrors      *prometheus.CounterVec
	CredentialRefresh   *prometheus.CounterVec
	SessionEvents       *prometheus.CounterVec
	InterviewLatency    prometheus.Histogram
	ConfigEchoLatency   prometheus.Histogram
	UpstreamDialLatency prometheus.Histogram

	window *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of admitted interview relay connections.",
		}),
		AdmissionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_events_total",
			Help:      "Admission decisions and releases by event.",
		}, []string{"event"}),
		RelayMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Relayed websocket messages by direction and top-level kind.",
		}, []string{"direction", "kind"}),
		RelayTeardowns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_teardowns_total",
			Help:      "Relay teardowns by cause.",
		}, []string{"cause"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream connection and protocol errors by code.",
		}, []string{"code"}),
		CredentialRefresh: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refreshes_total",
			Help:      "Upstream credential refresh attempts by result.",
		}, []string{"result"}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Telemetry session events by type.",
		}, []string{"event"}),
		InterviewLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "interview_latency_ms",
			Help:      "Client-reported user-end to AI-start latency in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 3000},
		}),
		ConfigEchoLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "config_echo_latency_ms",
			Help:      "Time from connection accept to config echo in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		UpstreamDialLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_dial_latency_ms",
			Help:      "Upstream websocket handshake duration in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200, 2000, 5000},
		}),
		window: newLatencyWindow(512),
	}
}

// ObserveInterviewLatency records a client-reported latency sample. Negative
// values come from disagreeing client clocks and are kept out of the
// process-wide distributions.
func (m *Metrics) ObserveInterviewLatency(ms int64) {
	if m == nil || ms < 0 {
		return
	}
	m.InterviewLatency.Observe(float64(ms))
	m.window.Observe(StageInterviewLatency, float64(ms))
}

func (m *Metrics) ObserveConfigEcho(d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.ConfigEchoLatency.Observe(ms)
	m.window.Observe(StageConfigEcho, ms)
}

func (m *Metrics) ObserveUpstreamDial(d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Milliseconds())
	m.UpstreamDialLatency.Observe(ms)
	m.window.Observe(StageUpstreamDial, ms)
}

// ObserveIndicator counts a notable relay event in the rolling window.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.window.ObserveIndicator(name)
}

func (m *Metrics) LatencySnapshot() LatencySnapshot {
	return m.window.Snapshot()
}

func (m *Metrics) ResetLatencyWindow() {
	m.window.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
