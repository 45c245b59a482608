package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus collectors. One Metrics is shared by
// every instance in the process; series are split by the "instance" label.
type Metrics struct {
	requests      *prometheus.CounterVec
	waitDuration  *prometheus.HistogramVec
	sendFailures  *prometheus.CounterVec
	shards        *prometheus.GaugeVec
	connections   *prometheus.CounterVec
	frames        *prometheus.CounterVec
	droppedFrames *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg yields unregistered collectors, which is handy in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hydra",
			Subsystem: "dispatcher",
			Name:      "requests_total",
			Help:      "HTTP requests handled, by outcome",
		}, []string{"instance", "outcome"}),

		waitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hydra",
			Subsystem: "dispatcher",
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting for a correlated worker response",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}, []string{"instance"}),

		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hydra",
			Subsystem: "dispatcher",
			Name:      "send_failures_total",
			Help:      "Requests that could not be queued to a worker",
		}, []string{"instance", "reason"}),

		shards: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hydra",
			Subsystem: "registry",
			Name:      "shards",
			Help:      "Registered worker shards",
		}, []string{"instance"}),

		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hydra",
			Subsystem: "workers",
			Name:      "connections_total",
			Help:      "Worker connections accepted",
		}, []string{"instance"}),

		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hydra",
			Subsystem: "workers",
			Name:      "frames_total",
			Help:      "Frames received from workers, by kind",
		}, []string{"instance", "kind"}),

		droppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hydra",
			Subsystem: "workers",
			Name:      "dropped_frames_total",
			Help:      "Worker frames that were discarded, by reason",
		}, []string{"instance", "reason"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.requests,
			m.waitDuration,
			m.sendFailures,
			m.shards,
			m.connections,
			m.frames,
			m.droppedFrames,
		)
	}
	return m
}

// instanceMetrics binds a Metrics to one instance label.
type instanceMetrics struct {
	m    *Metrics
	name string
}

func (im instanceMetrics) request(outcome string) {
	im.m.requests.WithLabelValues(im.name, outcome).Inc()
}

func (im instanceMetrics) waited(seconds float64) {
	im.m.waitDuration.WithLabelValues(im.name).Observe(seconds)
}

func (im instanceMetrics) sendFailed(reason string) {
	im.m.sendFailures.WithLabelValues(im.name, reason).Inc()
}

func (im instanceMetrics) setShards(n int) {
	im.m.shards.WithLabelValues(im.name).Set(float64(n))
}

func (im instanceMetrics) connected() {
	im.m.connections.WithLabelValues(im.name).Inc()
}

func (im instanceMetrics) frame(kind string) {
	im.m.frames.WithLabelValues(im.name, kind).Inc()
}

func (im instanceMetrics) dropped(reason string) {
	im.m.droppedFrames.WithLabelValues(im.name, reason).Inc()
}
