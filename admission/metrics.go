/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acronis/go-ingestgate/internal/version"
)

// MetricsCollector represents a collector of metrics that describe how the gate is loaded.
type MetricsCollector interface {
	// SetAdmitted sets the current number of admitted calls.
	SetAdmitted(int)

	// SetQueued sets the current number of queued calls.
	SetQueued(int)

	// IncOutcome increments the number of admission attempts that ended with the given outcome.
	IncOutcome(Outcome)

	// ObserveWaitDuration observes the time a call spent in the queue before being admitted.
	ObserveWaitDuration(time.Duration)
}

// DefaultWaitDurationBuckets is the default buckets for the wait duration histogram.
var DefaultWaitDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels

	// WaitDurationBuckets is a list of buckets for the wait duration histogram.
	// DefaultWaitDurationBuckets is used if empty.
	WaitDurationBuckets []float64
}

// PrometheusMetrics represents Prometheus metrics for the gate.
type PrometheusMetrics struct {
	Admitted      prometheus.Gauge
	Queued        prometheus.Gauge
	OutcomesTotal *prometheus.CounterVec
	WaitDuration  prometheus.Histogram
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	buckets := opts.WaitDurationBuckets
	if len(buckets) == 0 {
		buckets = DefaultWaitDurationBuckets
	}
	constLabels := version.AddPrometheusLabel(opts.ConstLabels)

	admitted := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   opts.Namespace,
		Name:        "admission_calls_admitted",
		Help:        "Number of calls currently admitted by the gate.",
		ConstLabels: constLabels,
	})

	queued := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   opts.Namespace,
		Name:        "admission_calls_queued",
		Help:        "Number of calls currently waiting for a slot.",
		ConstLabels: constLabels,
	})

	outcomesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "admission_outcomes_total",
			Help:        "Number of admission attempts by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"outcome"},
	)

	waitDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   opts.Namespace,
		Name:        "admission_wait_duration_seconds",
		Help:        "Time queued calls spent waiting for a slot.",
		Buckets:     buckets,
		ConstLabels: constLabels,
	})

	return &PrometheusMetrics{
		Admitted:      admitted,
		Queued:        queued,
		OutcomesTotal: outcomesTotal,
		WaitDuration:  waitDuration,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.Admitted,
		pm.Queued,
		pm.OutcomesTotal,
		pm.WaitDuration,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.Admitted)
	prometheus.Unregister(pm.Queued)
	prometheus.Unregister(pm.OutcomesTotal)
	prometheus.Unregister(pm.WaitDuration)
}

// SetAdmitted sets the current number of admitted calls.
func (pm *PrometheusMetrics) SetAdmitted(n int) {
	pm.Admitted.Set(float64(n))
}

// SetQueued sets the current number of queued calls.
func (pm *PrometheusMetrics) SetQueued(n int) {
	pm.Queued.Set(float64(n))
}

// IncOutcome increments the number of admission attempts that ended with the given outcome.
func (pm *PrometheusMetrics) IncOutcome(o Outcome) {
	pm.OutcomesTotal.WithLabelValues(o.String()).Inc()
}

// ObserveWaitDuration observes the time a call spent in the queue.
func (pm *PrometheusMetrics) ObserveWaitDuration(d time.Duration) {
	pm.WaitDuration.Observe(d.Seconds())
}

type disabledMetrics struct{}

func (disabledMetrics) SetAdmitted(int)                   {}
func (disabledMetrics) SetQueued(int)                     {}
func (disabledMetrics) IncOutcome(Outcome)                {}
func (disabledMetrics) ObserveWaitDuration(time.Duration) {}

var disabledMetricsCollector = disabledMetrics{}
