// Package metrics records session and message counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives measurements from the session layer.
type Recorder interface {
	SessionEvent(event string)
	PairingRetry()
	SessionsReady(delta int)
	InboundMessage(kind string)
	OutboundMessage(success bool, d time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) SessionEvent(string) {}
func (Nop) PairingRetry() {}
func (Nop) SessionsReady(int) {}
func (Nop) InboundMessage(string) {}
func (Nop) OutboundMessage(bool, time.Duration) {}

// PrometheusRecorder implements Recorder on its own registry so tests and
// multiple daemons in one process never collide on global registration.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	sessionsReady  prometheus.Gauge
	sessionEvents  *prometheus.CounterVec
	pairingRetries prometheus.Counter
	inbound        *prometheus.CounterVec
	outbound       *prometheus.CounterVec
	sendDuration   prometheus.Histogram
}

// NewPrometheusRecorder creates a recorder with Go runtime and process
// collectors registered alongside the omnid metrics.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		sessionsReady: factory.NewGauge(prometheus.GaugeOpts{
			Name: "omnid_sessions_ready",
			Help: "Number of platform sessions currently ready",
		}),
		sessionEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnid_session_events_total",
				Help: "Session lifecycle events by name",
			},
			[]string{"event"},
		),
		pairingRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "omnid_pairing_retries_total",
			Help: "Automatic re-pairing attempts after a pairing timeout",
		}),
		inbound: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnid_messages_inbound_total",
				Help: "Inbound messages by payload type",
			},
			[]string{"type"},
		),
		outbound: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omnid_messages_outbound_total",
				Help: "Outbound send attempts by result",
			},
			[]string{"result"},
		),
		sendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "omnid_send_duration_seconds",
			Help:    "Duration of outbound sends including address fallback",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (p *PrometheusRecorder) SessionEvent(event string) {
	p.sessionEvents.WithLabelValues(event).Inc()
}

func (p *PrometheusRecorder) PairingRetry() {
	p.pairingRetries.Inc()
}

func (p *PrometheusRecorder) SessionsReady(delta int) {
	p.sessionsReady.Add(float64(delta))
}

func (p *PrometheusRecorder) InboundMessage(kind string) {
	p.inbound.WithLabelValues(kind).Inc()
}

func (p *PrometheusRecorder) OutboundMessage(success bool, d time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	p.outbound.WithLabelValues(result).Inc()
	p.sendDuration.Observe(d.Seconds())
}

// Registry exposes the underlying registry.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
