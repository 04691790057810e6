package dispatcher

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts dispatcher operations
type Metrics struct {
	operations *prometheus.CounterVec
	rejections *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	discards   prometheus.Counter
	gatherer   prometheus.Gatherer
}

// NewMetrics creates the dispatcher metrics and registers them with reg.
// A nil reg gets a private registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmquery_operations_total",
			Help: "Dispatcher operations by outcome",
		}, []string{"operation", "outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmquery_validation_rejections_total",
			Help: "Queries rejected by the safety validator",
		}, []string{"dialect"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmquery_operation_duration_seconds",
			Help:    "Dispatcher operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		discards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llmquery_session_discards_total",
			Help: "Backend sessions dropped after a timeout or connection failure",
		}),
		gatherer: reg,
	}
	reg.MustRegister(m.operations, m.rejections, m.duration, m.discards)
	return m
}

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) observe(operation, outcome string, elapsed time.Duration) {
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}
