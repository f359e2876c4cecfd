// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	CyclesTotal     atomic.Uint64
	FramesDropped   atomic.Uint64
	DetectionsTotal atomic.Uint64
	CandidatesLast  atomic.Uint64
	PicksTotal      atomic.Uint64
	PickMisses      atomic.Uint64 // picks with no candidates
	CapturesTotal   atomic.Uint64
	CaptureMisses   atomic.Uint64 // capture region too small / no frame
	SwitchesTotal   atomic.Uint64
	InferenceMs     atomic.Uint64 // last inference latency, ms
	WSClients       atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own Prometheus registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.register()
	return m
}

func (m *Metrics) register() {
	gauges := []struct {
		name string
		help string
		load func() float64
	}{
		{"spotcam_refresh_cycles_total", "Total refresh cycles completed", func() float64 { return float64(m.CyclesTotal.Load()) }},
		{"spotcam_frames_dropped_total", "Frames dropped by slow consumers", func() float64 { return float64(m.FramesDropped.Load()) }},
		{"spotcam_detections_total", "Total raw detections returned by the model", func() float64 { return float64(m.DetectionsTotal.Load()) }},
		{"spotcam_candidates_current", "Candidates in the most recent refresh cycle", func() float64 { return float64(m.CandidatesLast.Load()) }},
		{"spotcam_picks_total", "Successful random picks", func() float64 { return float64(m.PicksTotal.Load()) }},
		{"spotcam_pick_misses_total", "Picks attempted with no candidates", func() float64 { return float64(m.PickMisses.Load()) }},
		{"spotcam_captures_total", "Successful spotlight captures", func() float64 { return float64(m.CapturesTotal.Load()) }},
		{"spotcam_capture_misses_total", "Captures skipped (region too small or no frame)", func() float64 { return float64(m.CaptureMisses.Load()) }},
		{"spotcam_orientation_switches_total", "Camera orientation switches", func() float64 { return float64(m.SwitchesTotal.Load()) }},
		{"spotcam_inference_latency_ms", "Latency of the most recent inference", func() float64 { return float64(m.InferenceMs.Load()) }},
		{"spotcam_ws_clients", "Connected websocket clients", func() float64 { return float64(m.WSClients.Load()) }},
	}

	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			g.load,
		))
	}
}

// Handler returns the Prometheus scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
