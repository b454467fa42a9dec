// Package metrics exposes call, link, encryption and recording counters in
// Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/callcore/internal/e2ee"
)

// Collector owns its registry so several instances can coexist in tests.
// A nil *Collector is valid and records nothing.
type Collector struct {
	reg *prometheus.Registry

	activeCalls prometheus.Gauge
	callsEnded  *prometheus.CounterVec

	activeLinks    prometheus.Gauge
	iceRestarts    prometheus.Counter
	linkRecreation prometheus.Counter

	frames  *prometheus.CounterVec
	uploads *prometheus.CounterVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		activeCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "callcore_active_calls",
			Help: "Calls currently in progress (0 or 1)",
		}),
		callsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callcore_calls_total",
			Help: "Finished calls by outcome",
		}, []string{"outcome"}),
		activeLinks: f.NewGauge(prometheus.GaugeOpts{
			Name: "callcore_peer_links",
			Help: "Open peer links",
		}),
		iceRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "callcore_ice_restarts_total",
			Help: "ICE restarts attempted after a link degraded",
		}),
		linkRecreation: f.NewCounter(prometheus.CounterOpts{
			Name: "callcore_link_recreations_total",
			Help: "Peer links torn down and rebuilt",
		}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callcore_e2ee_frames_total",
			Help: "Media frames handled by the encryption layer by result",
		}, []string{"result"}),
		uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callcore_recording_uploads_total",
			Help: "Finished recordings by result",
		}, []string{"result"}),
	}
}

func (c *Collector) CallStarted() {
	if c == nil {
		return
	}
	c.activeCalls.Set(1)
}

func (c *Collector) CallEnded(outcome string) {
	if c == nil {
		return
	}
	c.activeCalls.Set(0)
	c.callsEnded.WithLabelValues(outcome).Inc()
}

func (c *Collector) LinkOpened() {
	if c == nil {
		return
	}
	c.activeLinks.Inc()
}

func (c *Collector) LinkClosed() {
	if c == nil {
		return
	}
	c.activeLinks.Dec()
}

func (c *Collector) ICERestarted() {
	if c == nil {
		return
	}
	c.iceRestarts.Inc()
}

func (c *Collector) LinkRecreated() {
	if c == nil {
		return
	}
	c.linkRecreation.Inc()
}

// Frame counts one frame through the encryption layer. It matches the
// observer signature of e2ee.NewFactory.
func (c *Collector) Frame(r e2ee.Result) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues(r.String()).Inc()
}

// RecordingUpload counts a finished recording: uploaded, discarded or failed.
func (c *Collector) RecordingUpload(result string) {
	if c == nil {
		return
	}
	c.uploads.WithLabelValues(result).Inc()
}

// Handler serves the registry. A nil collector serves an empty registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}
