/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package grpcserver

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/acronis/go-ingestgate/grpcserver/interceptor"
	"github.com/acronis/go-ingestgate/log"
	"github.com/acronis/go-ingestgate/netutil"
	"github.com/acronis/go-ingestgate/service"
)

// ServiceRegistration registers a service implementation in gRPC server.
type ServiceRegistration interface {
	Register(registrar grpc.ServiceRegistrar)
}

// ServiceRegistrationFunc is an adapter to allow the use of ordinary functions as ServiceRegistration.
type ServiceRegistrationFunc func(registrar grpc.ServiceRegistrar)

// Register calls f(registrar).
func (f ServiceRegistrationFunc) Register(registrar grpc.ServiceRegistrar) {
	f(registrar)
}

// LoggingOptions represents options for gRPC call logging that used in GRPCServer.
type LoggingOptions struct {
	// CallMetadataKeys lists incoming metadata keys whose values are added to the call log fields.
	CallMetadataKeys []string
}

// MetricsOptions represents options for gRPC call metrics that used in GRPCServer.
type MetricsOptions struct {
	Namespace       string
	DurationBuckets []float64
	ConstLabels     prometheus.Labels
}

// Option represents a functional option for configuring GRPCServer.
type Option func(*serverOptions)

// serverOptions holds all the configuration options for the server.
type serverOptions struct {
	unaryInterceptors  []grpc.UnaryServerInterceptor
	streamInterceptors []grpc.StreamServerInterceptor
	metricsOptions     MetricsOptions
	loggingOptions     LoggingOptions
	addressFilter      netutil.AddressFilter
	services           []ServiceRegistration
	shutdownHooks      []func()
}

// WithAddressFilter makes the server close connections from remote addresses rejected by the filter.
func WithAddressFilter(filter netutil.AddressFilter) Option {
	return func(o *serverOptions) {
		o.addressFilter = filter
	}
}

// WithServices registers services in the server.
func WithServices(services ...ServiceRegistration) Option {
	return func(o *serverOptions) {
		o.services = append(o.services, services...)
	}
}

// WithShutdownHooks adds functions that are called once when the server starts stopping, before
// in-flight calls are drained. Admission gates are closed here,
// so queued calls are rejected and do not hold up the graceful stop.
func WithShutdownHooks(hooks ...func()) Option {
	return func(o *serverOptions) {
		o.shutdownHooks = append(o.shutdownHooks, hooks...)
	}
}

// WithUnaryInterceptors adds unary interceptors to the server.
func WithUnaryInterceptors(interceptors ...grpc.UnaryServerInterceptor) Option {
	return func(o *serverOptions) {
		o.unaryInterceptors = append(o.unaryInterceptors, interceptors...)
	}
}

// WithStreamInterceptors adds stream interceptors to the server.
func WithStreamInterceptors(interceptors ...grpc.StreamServerInterceptor) Option {
	return func(o *serverOptions) {
		o.streamInterceptors = append(o.streamInterceptors, interceptors...)
	}
}

// WithLoggingOptions configures gRPC request logging.
func WithLoggingOptions(opts LoggingOptions) Option {
	return func(o *serverOptions) {
		o.loggingOptions = opts
	}
}

// WithMetricsOptions configures gRPC request metrics.
func WithMetricsOptions(opts MetricsOptions) Option {
	return func(o *serverOptions) {
		o.metricsOptions = opts
	}
}

// GRPCServer represents a wrapper around grpc.Server with additional fields and methods.
// It also implements service.Unit and service.MetricsRegisterer interfaces.
type GRPCServer struct {
	GRPCServer *grpc.Server
	Logger     log.FieldLogger

	address                  atomic.Value
	unixSocketPath           string
	shutdownTimeout          time.Duration
	grpcServerDone           atomic.Value
	grpcReqPrometheusMetrics *interceptor.PrometheusMetrics
	addressFilter            netutil.AddressFilter
	shutdownHooks            []func()
	shutdownHooksOnce        sync.Once
}

var _ service.Unit = (*GRPCServer)(nil)
var _ service.MetricsRegisterer = (*GRPCServer)(nil)

// New creates a new GRPCServer with the predefined interceptor chain (call info, logging,
// panic recovery, metrics) followed by the interceptors passed in options.
func New(cfg *Config, logger log.FieldLogger, options ...Option) (*GRPCServer, error) {
	opts := &serverOptions{}
	for _, opt := range options {
		opt(opts)
	}

	serverOpts, err := serverOptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	promMetrics := interceptor.NewPrometheusMetrics(interceptor.PrometheusOptions{
		Namespace:       opts.metricsOptions.Namespace,
		DurationBuckets: opts.metricsOptions.DurationBuckets,
		ConstLabels:     opts.metricsOptions.ConstLabels,
	})
	unaryInterceptors, streamInterceptors := buildInterceptors(cfg, promMetrics, logger, opts)
	serverOpts = append(serverOpts,
		grpc.ChainUnaryInterceptor(unaryInterceptors...), grpc.ChainStreamInterceptor(streamInterceptors...))

	srv := &GRPCServer{
		GRPCServer:               grpc.NewServer(serverOpts...),
		Logger:                   logger,
		unixSocketPath:           cfg.UnixSocketPath,
		shutdownTimeout:          time.Duration(cfg.Timeouts.Shutdown),
		grpcReqPrometheusMetrics: promMetrics,
		addressFilter:            opts.addressFilter,
		shutdownHooks:            opts.shutdownHooks,
	}
	for _, svc := range opts.services {
		svc.Register(srv.GRPCServer)
	}
	address := cfg.Address
	if cfg.UnixSocketPath != "" {
		address = cfg.UnixSocketPath
	}
	srv.address.Store(address)
	return srv, nil
}

func serverOptionsFromConfig(cfg *Config) ([]grpc.ServerOption, error) {
	serverOpts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    time.Duration(cfg.Keepalive.Time),
			Timeout: time.Duration(cfg.Keepalive.Timeout),
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Duration(cfg.Keepalive.MinTime),
			PermitWithoutStream: true,
		}),
	}
	if cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.Certificate, cfg.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("load TLS certificates: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})))
	}
	if limit := cfg.Limits.MaxConcurrentStreams; limit > 0 {
		serverOpts = append(serverOpts, grpc.MaxConcurrentStreams(limit))
	}
	if size := cfg.Limits.MaxRecvMessageSize; size > 0 {
		serverOpts = append(serverOpts, grpc.MaxRecvMsgSize(int(size)))
	}
	if size := cfg.Limits.MaxSendMessageSize; size > 0 {
		serverOpts = append(serverOpts, grpc.MaxSendMsgSize(int(size)))
	}
	if workers := cfg.Limits.NumStreamWorkers; workers > 0 {
		serverOpts = append(serverOpts, grpc.NumStreamWorkers(workers))
	}
	return serverOpts, nil
}

// Start serves gRPC calls until the server is stopped. It blocks and is supposed to be run
// in a separate goroutine. Listen and serve errors are sent to the fatalError channel.
func (s *GRPCServer) Start(fatalError chan<- error) {
	done := make(chan struct{})
	s.grpcServerDone.Store(done)
	defer close(done)

	logger := s.Logger.With(log.String("address", s.Address()))
	logger.Info("starting gRPC server...")

	listener, err := s.listen()
	if err != nil {
		logger.Error("gRPC server listen error", log.Error(err))
		fatalError <- err
		return
	}
	s.address.Store(listener.Addr().String())
	if s.addressFilter != nil {
		listener = netutil.NewFilteringListener(listener, s.addressFilter, logger)
	}

	if err = s.GRPCServer.Serve(listener); err != nil {
		logger.Error("gRPC server error", log.Error(err))
		fatalError <- err
	}
}

func (s *GRPCServer) listen() (net.Listener, error) {
	if s.unixSocketPath == "" {
		return net.Listen("tcp", s.Address())
	}
	if err := os.Remove(s.unixSocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove unix socket file %q: %w", s.unixSocketPath, err)
	}
	return net.Listen("unix", s.unixSocketPath)
}

// Stop stops the gRPC server. Shutdown hooks run first (once), so admission gates reject
// queued calls instead of holding them until the deadline.
// A graceful stop waits for in-flight calls up to the shutdown timeout and then stops forcefully.
func (s *GRPCServer) Stop(gracefully bool) error {
	s.shutdownHooksOnce.Do(func() {
		for _, hook := range s.shutdownHooks {
			hook()
		}
	})

	if gracefully {
		s.Logger.Info("stopping gRPC server gracefully...", log.Duration("timeout", s.shutdownTimeout))
		stopped := make(chan struct{})
		go func() {
			s.GRPCServer.GracefulStop()
			close(stopped)
		}()
		timer := time.NewTimer(s.shutdownTimeout)
		defer timer.Stop()
		select {
		case <-stopped:
			s.Logger.Info("gRPC server gracefully stopped")
		case <-timer.C:
			s.Logger.Warn("gRPC server graceful stop timed out, stopping forcefully...")
			s.GRPCServer.Stop()
		}
	} else {
		s.Logger.Info("stopping gRPC server...")
		s.GRPCServer.Stop()
	}

	if done, ok := s.grpcServerDone.Load().(chan struct{}); ok {
		<-done
	}
	return nil
}

// MustRegisterMetrics registers metrics in Prometheus client and panics if any error occurs.
func (s *GRPCServer) MustRegisterMetrics() {
	if s.grpcReqPrometheusMetrics != nil {
		s.grpcReqPrometheusMetrics.MustRegister()
	}
}

// UnregisterMetrics unregisters metrics in Prometheus client.
func (s *GRPCServer) UnregisterMetrics() {
	if s.grpcReqPrometheusMetrics != nil {
		s.grpcReqPrometheusMetrics.Unregister()
	}
}

// Address returns the current address the server is bound to.
// This may change after starting the server if the original address was :0.
func (s *GRPCServer) Address() string {
	address, _ := s.address.Load().(string)
	return address
}

func buildInterceptors(
	cfg *Config, promMetrics *interceptor.PrometheusMetrics, logger log.FieldLogger, opts *serverOptions,
) ([]grpc.UnaryServerInterceptor, []grpc.StreamServerInterceptor) {
	loggingOpts := []interceptor.LoggingOption{
		interceptor.WithLoggingCallStart(cfg.Log.CallStart),
		interceptor.WithLoggingSlowCallThreshold(time.Duration(cfg.Log.SlowCallThreshold)),
		interceptor.WithLoggingTimeSlotsThreshold(time.Duration(cfg.Log.TimeSlotsThreshold)),
		interceptor.WithLoggingExcludedMethods(cfg.Log.ExcludedMethods...),
		interceptor.WithLoggingCallMetadata(opts.loggingOptions.CallMetadataKeys...),
	}

	// Call info goes first: the rest of the chain reads it from the context.
	unary := []grpc.UnaryServerInterceptor{
		interceptor.CallInfoUnaryInterceptor(),
		interceptor.LoggingUnaryInterceptor(logger, loggingOpts...),
		interceptor.RecoveryUnaryInterceptor(),
		interceptor.MetricsUnaryInterceptor(promMetrics),
	}
	stream := []grpc.StreamServerInterceptor{
		interceptor.CallInfoStreamInterceptor(),
		interceptor.LoggingStreamInterceptor(logger, loggingOpts...),
		interceptor.RecoveryStreamInterceptor(),
		interceptor.MetricsStreamInterceptor(promMetrics),
	}
	return append(unary, opts.unaryInterceptors...), append(stream, opts.streamInterceptors...)
}
