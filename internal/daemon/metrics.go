package daemon

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/patternservice/patternd/internal/models"
)

// Metrics collects Prometheus counters and histograms for patternd.
type Metrics struct {
	registry                  *prometheus.Registry
	taskStatusTotal           *prometheus.CounterVec
	taskDurationSeconds       *prometheus.HistogramVec
	controllerRequestsTotal   *prometheus.CounterVec
	controllerRequestSeconds  *prometheus.HistogramVec
	collectionFetchTotal      *prometheus.CounterVec
	dispatcherQueueDepthGauge prometheus.Gauge
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	taskStatusTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patternd",
			Subsystem: "task",
			Name:      "status_total",
			Help:      "Total task status transitions.",
		},
		[]string{"kind", "status"},
	)
	taskDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "patternd",
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Task runtime from creation to final status.",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300, 600, 1200, 3600},
		},
		[]string{"kind", "status"},
	)
	controllerRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patternd",
			Subsystem: "controller",
			Name:      "requests_total",
			Help:      "Total controller and registry HTTP requests by response code.",
		},
		[]string{"method", "code"},
	)
	controllerRequestSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "patternd",
			Subsystem: "controller",
			Name:      "request_duration_seconds",
			Help:      "Controller and registry HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	collectionFetchTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patternd",
			Subsystem: "collection",
			Name:      "fetch_total",
			Help:      "Collection definition loads by result.",
		},
		[]string{"result"},
	)
	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "patternd",
			Subsystem: "dispatcher",
			Name:      "queue_depth",
			Help:      "Tasks waiting for a worker.",
		},
	)

	registry.MustRegister(
		taskStatusTotal,
		taskDurationSeconds,
		controllerRequestsTotal,
		controllerRequestSeconds,
		collectionFetchTotal,
		queueDepth,
	)

	return &Metrics{
		registry:                  registry,
		taskStatusTotal:           taskStatusTotal,
		taskDurationSeconds:       taskDurationSeconds,
		controllerRequestsTotal:   controllerRequestsTotal,
		controllerRequestSeconds:  controllerRequestSeconds,
		collectionFetchTotal:      collectionFetchTotal,
		dispatcherQueueDepthGauge: queueDepth,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncTaskStatus(kind models.TaskKind, status models.TaskStatus) {
	if m == nil {
		return
	}
	m.taskStatusTotal.WithLabelValues(string(kind), string(status)).Inc()
}

func (m *Metrics) ObserveTaskDuration(kind models.TaskKind, status models.TaskStatus, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.taskDurationSeconds.WithLabelValues(string(kind), string(status)).Observe(seconds)
}

// ObserveControllerRequest implements controller.Observer. A zero code
// means no response arrived.
func (m *Metrics) ObserveControllerRequest(method string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.controllerRequestsTotal.WithLabelValues(method, label).Inc()
	if seconds := elapsed.Seconds(); seconds >= 0 {
		m.controllerRequestSeconds.WithLabelValues(method).Observe(seconds)
	}
}

// ObserveCollectionFetch implements collection.Observer.
func (m *Metrics) ObserveCollectionFetch(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.collectionFetchTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.dispatcherQueueDepthGauge.Set(float64(n))
}
