package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-wide counters exported on /metrics.
type Metrics struct {
	FramesProcessed atomic.Uint64
	FramesSkipped   atomic.Uint64
	Detections      atomic.Uint64
	Alerts          atomic.Uint64
	CapturesSaved   atomic.Uint64
	CapturesFailed  atomic.Uint64
	CapturesDropped atomic.Uint64
	InferenceErrors atomic.Uint64

	ActiveStreams atomic.Int64
	ActiveClients atomic.Int64

	frameLatency prometheus.Histogram
	registry     *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frameLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "knife_guard_frame_duration_seconds",
			Help:    "Time spent running one frame through the pipeline",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counters := []struct {
		name, help string
		value      *atomic.Uint64
	}{
		{"knife_guard_frames_processed_total", "Frames run through the detection pipeline", &m.FramesProcessed},
		{"knife_guard_frames_skipped_total", "Frames skipped because of a decode or inference error", &m.FramesSkipped},
		{"knife_guard_detections_total", "Boxes kept after suppression", &m.Detections},
		{"knife_guard_alerts_total", "Alerts raised after the capture cooldown", &m.Alerts},
		{"knife_guard_captures_saved_total", "Captures written to disk", &m.CapturesSaved},
		{"knife_guard_captures_failed_total", "Captures that could not be written", &m.CapturesFailed},
		{"knife_guard_captures_dropped_total", "Captures dropped because the queue was full", &m.CapturesDropped},
		{"knife_guard_inference_errors_total", "Failed inference requests", &m.InferenceErrors},
	}
	for _, c := range counters {
		value := c.value
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(value.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "knife_guard_active_streams",
			Help: "Streams with pipeline state in memory",
		},
		func() float64 { return float64(m.ActiveStreams.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "knife_guard_active_clients",
			Help: "Connected websocket clients",
		},
		func() float64 { return float64(m.ActiveClients.Load()) },
	))

	m.registry.MustRegister(m.frameLatency)
}

func (m *Metrics) ObserveFrame(d time.Duration) {
	m.frameLatency.Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
