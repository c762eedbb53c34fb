package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the server's Prometheus instruments, registered on a private
// registry so multiple servers can run side by side in tests.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	FramesIn       prometheus.Counter
	FramesOut      prometheus.Counter
	AudioBytes     prometheus.Counter
	Recordings     prometheus.Counter
	Replies        prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicemode",
			Subsystem: "server",
			Name:      "active_sessions",
			Help:      "Number of open voice sessions.",
		}),
		FramesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "voicemode",
			Subsystem: "server",
			Name:      "frames_in_total",
			Help:      "Total websocket frames received.",
		}),
		FramesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "voicemode",
			Subsystem: "server",
			Name:      "frames_out_total",
			Help:      "Total websocket frames sent.",
		}),
		AudioBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "voicemode",
			Subsystem: "server",
			Name:      "audio_bytes_total",
			Help:      "Total decoded audio bytes received.",
		}),
		Recordings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "voicemode",
			Subsystem: "server",
			Name:      "recordings_total",
			Help:      "Total recordings started.",
		}),
		Replies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "voicemode",
			Subsystem: "server",
			Name:      "replies_total",
			Help:      "Total synthesized voice replies.",
		}),
	}
}
