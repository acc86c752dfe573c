package devbackend

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of the backend.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	FramesTotal    prometheus.Counter
	AudioBytes     prometheus.Counter
	MessagesTotal  *prometheus.CounterVec
	ErrorsTotal    *prometheus.CounterVec
	Transcription  prometheus.Histogram
}

// NewMetrics creates metrics registered on a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "micstream"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "sessions_active",
			Help:      "Number of open audio websocket connections",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "sessions_total",
			Help:      "Total audio websocket connections accepted",
		}),
		FramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "audio_frames_total",
			Help:      "Total binary audio frames received",
		}),
		AudioBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "audio_bytes_total",
			Help:      "Total PCM bytes received",
		}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "control_messages_total",
			Help:      "Control messages received by type",
		}, []string{"type"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "errors_total",
			Help:      "Protocol and transcription errors by reason",
		}, []string{"reason"}),
		Transcription: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "transcription_duration_seconds",
			Help:      "Time spent transcribing a recording",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.FramesTotal,
		m.AudioBytes,
		m.MessagesTotal,
		m.ErrorsTotal,
		m.Transcription,
	)
	return m
}

// Handler returns an HTTP handler exposing the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
