package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "buildconsole"

// Metrics holds the collectors for session lifecycle and output routing.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsStarted  *prometheus.CounterVec
	SpawnFailures    *prometheus.CounterVec
	SessionsFinished *prometheus.CounterVec
	SessionsLive     prometheus.Gauge
	SessionsReaped   prometheus.Counter
	ChunksPublished  *prometheus.CounterVec
	SinkErrors       prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := NewWithRegisterer(reg)
	m.gatherer = reg
	return m
}

// NewWithRegisterer creates the collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of processes spawned",
		},
		[]string{"key"},
	)

	m.SpawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "Total number of processes that could not be spawned",
		},
		[]string{"key"},
	)

	m.SessionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Total number of sessions that reached the finished state",
		},
		[]string{"key", "reason"},
	)

	m.SessionsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Number of sessions currently running",
		},
	)

	m.SessionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reaped_total",
			Help:      "Total number of finished sessions removed from the registry",
		},
	)

	m.ChunksPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_chunks_total",
			Help:      "Total number of output chunks published to sinks",
		},
		[]string{"channel"},
	)

	m.SinkErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Total number of chunks a sink failed to handle or dropped",
		},
	)

	if reg != nil {
		reg.MustRegister(
			m.SessionsStarted,
			m.SpawnFailures,
			m.SessionsFinished,
			m.SessionsLive,
			m.SessionsReaped,
			m.ChunksPublished,
			m.SinkErrors,
		)
	}

	return m
}

// Handler returns an HTTP handler exposing the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Started(key string) {
	if m == nil {
		return
	}
	m.SessionsStarted.WithLabelValues(key).Inc()
	m.SessionsLive.Inc()
}

func (m *Metrics) SpawnFailed(key string) {
	if m == nil {
		return
	}
	m.SpawnFailures.WithLabelValues(key).Inc()
}

// Finished records a running session reaching the finished state.
func (m *Metrics) Finished(key string, killed bool) {
	if m == nil {
		return
	}
	reason := "exited"
	if killed {
		reason = "killed"
	}
	m.SessionsFinished.WithLabelValues(key, reason).Inc()
	m.SessionsLive.Dec()
}

func (m *Metrics) Reaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsReaped.Add(float64(n))
}

func (m *Metrics) ChunkPublished(channel string) {
	if m == nil {
		return
	}
	m.ChunksPublished.WithLabelValues(channel).Inc()
}

func (m *Metrics) SinkFailed() {
	if m == nil {
		return
	}
	m.SinkErrors.Inc()
}
