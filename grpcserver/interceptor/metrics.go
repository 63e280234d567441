/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-ingestgate/internal/version"
)

const (
	metricsLabelService    = "grpc_service"
	metricsLabelMethod     = "grpc_method"
	metricsLabelMethodType = "grpc_method_type"
	metricsLabelCode       = "grpc_code"
)

// MetricsCollector collects metrics for incoming gRPC calls.
type MetricsCollector interface {
	CallStarted(info *CallInfo)
	CallFinished(info *CallInfo, code codes.Code)
	// MessageReceived is called for every message read from a client stream.
	MessageReceived(info *CallInfo)
}

// DefaultPrometheusDurationBuckets is default buckets into which observations of serving gRPC calls are counted.
var DefaultPrometheusDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 150, 300, 600}

// PrometheusOptions configures PrometheusMetrics.
type PrometheusOptions struct {
	Namespace       string
	DurationBuckets []float64
	ConstLabels     prometheus.Labels
}

// PrometheusMetrics is a MetricsCollector backed by Prometheus.
type PrometheusMetrics struct {
	Durations        *prometheus.HistogramVec
	InFlight         *prometheus.GaugeVec
	ReceivedMessages *prometheus.CounterVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics.
func NewPrometheusMetrics(opts PrometheusOptions) *PrometheusMetrics {
	if len(opts.DurationBuckets) == 0 {
		opts.DurationBuckets = DefaultPrometheusDurationBuckets
	}
	constLabels := version.AddPrometheusLabel(opts.ConstLabels)
	return &PrometheusMetrics{
		Durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "grpc_call_duration_seconds",
			Help:        "A histogram of the gRPC call durations.",
			Buckets:     opts.DurationBuckets,
			ConstLabels: constLabels,
		}, []string{metricsLabelService, metricsLabelMethod, metricsLabelMethodType, metricsLabelCode}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "grpc_calls_in_flight",
			Help:        "Current number of gRPC calls being served.",
			ConstLabels: constLabels,
		}, []string{metricsLabelService, metricsLabelMethod, metricsLabelMethodType}),
		ReceivedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "grpc_stream_messages_received_total",
			Help:        "Number of messages received from client streams.",
			ConstLabels: constLabels,
		}, []string{metricsLabelService, metricsLabelMethod}),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.Durations, pm.InFlight, pm.ReceivedMessages)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.Durations)
	prometheus.Unregister(pm.InFlight)
	prometheus.Unregister(pm.ReceivedMessages)
}

// CallStarted increments the gauge of in-flight calls.
func (pm *PrometheusMetrics) CallStarted(info *CallInfo) {
	pm.InFlight.WithLabelValues(info.Service, info.Method, string(info.MethodType)).Inc()
}

// CallFinished decrements the gauge of in-flight calls and observes the call duration.
func (pm *PrometheusMetrics) CallFinished(info *CallInfo, code codes.Code) {
	pm.InFlight.WithLabelValues(info.Service, info.Method, string(info.MethodType)).Dec()
	pm.Durations.WithLabelValues(info.Service, info.Method, string(info.MethodType), code.String()).
		Observe(time.Since(info.StartTime).Seconds())
}

// MessageReceived increments the counter of received stream messages.
func (pm *PrometheusMetrics) MessageReceived(info *CallInfo) {
	pm.ReceivedMessages.WithLabelValues(info.Service, info.Method).Inc()
}

// MetricsOption is a function type for configuring the metrics interceptor.
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	excludedMethods map[string]struct{}
}

// WithMetricsExcludedMethods excludes the full method names from metrics collection.
func WithMetricsExcludedMethods(methods ...string) MetricsOption {
	return func(opts *metricsOptions) {
		opts.excludedMethods = methodSet(methods)
	}
}

func newMetricsOptions(options []MetricsOption) *metricsOptions {
	opts := &metricsOptions{}
	for _, option := range options {
		option(opts)
	}
	return opts
}

// MetricsUnaryInterceptor is an interceptor that collects metrics for incoming gRPC calls.
func MetricsUnaryInterceptor(collector MetricsCollector, options ...MetricsOption) grpc.UnaryServerInterceptor {
	opts := newMetricsOptions(options)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if _, excluded := opts.excludedMethods[info.FullMethod]; excluded {
			return handler(ctx, req)
		}
		ctx, callInfo := callInfoOrNew(ctx, info.FullMethod, CallMethodTypeUnary)
		var resp interface{}
		err := observeCall(collector, callInfo, func() (err error) {
			resp, err = handler(ctx, req)
			return err
		})
		return resp, err
	}
}

// MetricsStreamInterceptor is an interceptor that collects metrics for incoming gRPC stream calls
// and counts messages received from the client.
func MetricsStreamInterceptor(collector MetricsCollector, options ...MetricsOption) grpc.StreamServerInterceptor {
	opts := newMetricsOptions(options)
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if _, excluded := opts.excludedMethods[info.FullMethod]; excluded {
			return handler(srv, ss)
		}
		ctx, callInfo := callInfoOrNew(ss.Context(), info.FullMethod, CallMethodTypeStream)
		stream := &countingServerStream{
			WrappedServerStream: WrappedServerStream{ServerStream: ss, Ctx: ctx},
			onRecv:              func() { collector.MessageReceived(callInfo) },
		}
		return observeCall(collector, callInfo, func() error {
			return handler(srv, stream)
		})
	}
}

// observeCall reports a panicking handler as Internal and re-panics.
func observeCall(collector MetricsCollector, info *CallInfo, call func() error) (err error) {
	collector.CallStarted(info)
	defer func() {
		if p := recover(); p != nil {
			collector.CallFinished(info, codes.Internal)
			panic(p)
		}
		collector.CallFinished(info, codeFromError(err))
	}()
	return call()
}

type countingServerStream struct {
	WrappedServerStream
	onRecv func()
}

func (s *countingServerStream) RecvMsg(m interface{}) error {
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return err
	}
	s.onRecv()
	return nil
}

func codeFromError(err error) codes.Code {
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	return status.FromContextError(err).Code()
}
