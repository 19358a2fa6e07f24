package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus metric collection for engine execution.
//
// Metrics exposed (namespaced "searchflow_"):
//   - runs_total (counter, by terminal status)
//   - inflight_steps (gauge)
//   - step_duration_seconds (histogram, by step and outcome)
//   - step_retries_total (counter, by step)
//   - suspensions_total (counter)
//   - stream_backpressure_failures_total (counter)
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	engine := flow.New(store, flow.Options{Metrics: flow.NewMetrics(registry)})
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	runs          *prometheus.CounterVec
	inflightSteps prometheus.Gauge
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec
	suspensions   prometheus.Counter
	backpressure  prometheus.Counter
}

// NewMetrics creates and registers the engine's metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		runs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "searchflow",
			Name:      "runs_total",
			Help:      "Runs reaching a terminal status.",
		}, []string{"status"}),
		inflightSteps: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "searchflow",
			Name:      "inflight_steps",
			Help:      "Steps currently executing across all runs.",
		}),
		stepDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "searchflow",
			Name:      "step_duration_seconds",
			Help:      "Step execution duration from first attempt to settlement.",
			Buckets:   []float64{.005, .025, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"step", "outcome"}),
		stepRetries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "searchflow",
			Name:      "step_retries_total",
			Help:      "Retry attempts scheduled after retryable failures.",
		}, []string{"step"}),
		suspensions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "searchflow",
			Name:      "suspensions_total",
			Help:      "Runs parked pending external resume data.",
		}),
		backpressure: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "searchflow",
			Name:      "stream_backpressure_failures_total",
			Help:      "Runs failed because the event sink could not keep up.",
		}),
	}
}

func (m *Metrics) runFinished(status Status) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) stepStarted() {
	if m == nil {
		return
	}
	m.inflightSteps.Inc()
}

func (m *Metrics) stepSettled(step, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.inflightSteps.Dec()
	m.stepDuration.WithLabelValues(step, outcome).Observe(time.Since(started).Seconds())
}

func (m *Metrics) retryScheduled(step string) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(step).Inc()
}

func (m *Metrics) suspended() {
	if m == nil {
		return
	}
	m.suspensions.Inc()
}

func (m *Metrics) backpressureFailure() {
	if m == nil {
		return
	}
	m.backpressure.Inc()
}
