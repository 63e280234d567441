/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import "github.com/prometheus/client_golang/prometheus"

// MetricsCollector receives cache usage statistics.
type MetricsCollector interface {
	SetAmount(int)
	IncHits()
	IncMisses()
	AddEvictions(int)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	Namespace   string
	ConstLabels prometheus.Labels // e.g. {"cache": "agent_directory"} to tell caches apart
}

// PrometheusMetrics is a MetricsCollector backed by Prometheus.
type PrometheusMetrics struct {
	Entries   prometheus.Gauge
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Evictions prometheus.Counter
}

// NewPrometheusMetrics creates a new PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new PrometheusMetrics.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: opts.Namespace, Name: name, Help: help, ConstLabels: opts.ConstLabels,
		})
	}
	return &PrometheusMetrics{
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "cache_entries",
			Help:        "Current number of entries in the cache.",
			ConstLabels: opts.ConstLabels,
		}),
		Hits:      counter("cache_hits_total", "Number of lookups that found the key."),
		Misses:    counter("cache_misses_total", "Number of lookups that did not find the key or found an expired one."),
		Evictions: counter("cache_evictions_total", "Number of entries evicted because the cache was full."),
	}
}

func (pm *PrometheusMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{pm.Entries, pm.Hits, pm.Misses, pm.Evictions}
}

// MustRegister registers the metrics in the default Prometheus registry and panics on error.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.collectors()...)
}

// Unregister removes the metrics from the default Prometheus registry.
func (pm *PrometheusMetrics) Unregister() {
	for _, c := range pm.collectors() {
		prometheus.Unregister(c)
	}
}

// SetAmount implements MetricsCollector.
func (pm *PrometheusMetrics) SetAmount(n int) { pm.Entries.Set(float64(n)) }

// IncHits implements MetricsCollector.
func (pm *PrometheusMetrics) IncHits() { pm.Hits.Inc() }

// IncMisses implements MetricsCollector.
func (pm *PrometheusMetrics) IncMisses() { pm.Misses.Inc() }

// AddEvictions implements MetricsCollector.
func (pm *PrometheusMetrics) AddEvictions(n int) { pm.Evictions.Add(float64(n)) }

type disabledMetrics struct{}

func (disabledMetrics) SetAmount(int)    {}
func (disabledMetrics) IncHits()         {}
func (disabledMetrics) IncMisses()       {}
func (disabledMetrics) AddEvictions(int) {}
