package app

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report stream and task activity.
type Metrics struct {
	eventsPublished   *prometheus.CounterVec
	eventsDropped     prometheus.Counter
	activeConnections prometheus.Gauge
	activeTasks       prometheus.Gauge
	tasksFinished     *prometheus.CounterVec
	webhooksHandled   *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when components are instantiated
// multiple times (e.g. in unit tests).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Callers that need unique metric names (tests) supply a fresh registry.
// Registration errors panic, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	eventsPublished := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskbridge",
			Subsystem: "stream",
			Name:      "events_published_total",
			Help:      "Stream events delivered to subscribers, by event type.",
		},
		[]string{"type"},
	)
	eventsDropped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taskbridge",
			Subsystem: "stream",
			Name:      "events_dropped_total",
			Help:      "Stream events dropped because a subscriber buffer was full.",
		},
	)
	activeConnections := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskbridge",
			Subsystem: "stream",
			Name:      "connections_active",
			Help:      "Currently open streaming connections.",
		},
	)
	activeTasks := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskbridge",
			Subsystem: "tasks",
			Name:      "active",
			Help:      "Tasks currently executing.",
		},
	)
	tasksFinished := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskbridge",
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Tasks that reached a terminal status, by status.",
		},
		[]string{"status"},
	)
	webhooksHandled := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskbridge",
			Subsystem: "webhooks",
			Name:      "handled_total",
			Help:      "Webhook deliveries processed, by event type and outcome.",
		},
		[]string{"event", "outcome"},
	)

	collectors := []prometheus.Collector{
		eventsPublished, eventsDropped, activeConnections,
		activeTasks, tasksFinished, webhooksHandled,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			panic(err)
		}
	}

	return &Metrics{
		eventsPublished:   eventsPublished,
		eventsDropped:     eventsDropped,
		activeConnections: activeConnections,
		activeTasks:       activeTasks,
		tasksFinished:     tasksFinished,
		webhooksHandled:   webhooksHandled,
	}
}
