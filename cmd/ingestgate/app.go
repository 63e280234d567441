/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/acronis/go-ingestgate/admission"
	"github.com/acronis/go-ingestgate/agentlimit"
	"github.com/acronis/go-ingestgate/dispatch"
	"github.com/acronis/go-ingestgate/grpcserver"
	_ "github.com/acronis/go-ingestgate/grpcserver/encoding/zstd" // registers zstd compressor
	"github.com/acronis/go-ingestgate/grpcserver/interceptor"
	"github.com/acronis/go-ingestgate/log"
	"github.com/acronis/go-ingestgate/lrucache"
	"github.com/acronis/go-ingestgate/opsserver"
	"github.com/acronis/go-ingestgate/receiver"
	"github.com/acronis/go-ingestgate/service"
)

const metricsNamespace = "ingestgate"

// App is the assembled gateway: gRPC server with the telemetry services, ops server and background workers.
// It implements service.Unit and service.MetricsRegisterer interfaces.
type App struct {
	Gate       *admission.Gate
	Handler    *dispatch.Handler
	GRPCServer *grpcserver.GRPCServer
	OpsServer  *opsserver.OpsServer

	units            *service.CompositeUnit
	gateMetrics      *admission.PrometheusMetrics
	directoryMetrics *lrucache.PrometheusMetrics
}

var _ service.Unit = (*App)(nil)
var _ service.MetricsRegisterer = (*App)(nil)

// NewApp assembles the gateway from the configuration.
func NewApp(cfg *AppConfig, logger log.FieldLogger) (*App, error) {
	app := &App{
		gateMetrics: admission.NewPrometheusMetricsWithOpts(admission.PrometheusMetricsOpts{Namespace: metricsNamespace}),
		directoryMetrics: lrucache.NewPrometheusMetricsWithOpts(lrucache.PrometheusMetricsOpts{
			Namespace:   metricsNamespace,
			ConstLabels: prometheus.Labels{"cache": "agent_directory"},
		}),
	}

	var err error
	if app.Gate, err = admission.NewGate(cfg.Admission.GateConfig(),
		admission.WithMetricsCollector(app.gateMetrics)); err != nil {
		return nil, fmt.Errorf("create admission gate: %w", err)
	}

	directory, err := dispatch.NewAgentDirectory(cfg.Dispatch.AgentDirectory, app.directoryMetrics)
	if err != nil {
		return nil, fmt.Errorf("create agent directory: %w", err)
	}
	app.Handler = dispatch.NewHandlerWithOpts(logger, directory,
		dispatch.HandlerOpts{ProcessingDelay: time.Duration(cfg.Dispatch.ProcessingDelay)})

	if app.GRPCServer, err = makeGRPCServer(cfg, app.Gate, app.Handler, logger); err != nil {
		return nil, err
	}

	units := []service.Unit{app.GRPCServer}
	if cfg.OpsServer.Enabled {
		app.OpsServer = opsserver.New(cfg.OpsServer, logger,
			opsserver.WithComponent("admission", app.admissionStatus),
			opsserver.WithComponent("dispatch", app.dispatchStatus))
		units = append(units, app.OpsServer)
	}
	if cleanupUnit := directory.NewCleanupUnit(logger); cleanupUnit != nil {
		units = append(units, cleanupUnit)
	}
	app.units = service.NewCompositeUnit(units...)

	return app, nil
}

func makeGRPCServer(
	cfg *AppConfig, gate *admission.Gate, handler *dispatch.Handler, logger log.FieldLogger,
) (*grpcserver.GRPCServer, error) {
	getRetryAfter := func(context.Context, interface{}, *grpc.UnaryServerInfo) time.Duration {
		return gate.WaitTimeout()
	}
	getStreamRetryAfter := func(interface{}, grpc.ServerStream, *grpc.StreamServerInfo) time.Duration {
		return gate.WaitTimeout()
	}
	admissionInterceptor := &receiver.Interceptor{
		Unary: interceptor.AdmissionUnaryInterceptor(gate,
			interceptor.WithAdmissionUnaryGetRetryAfter(getRetryAfter)),
		Stream: interceptor.AdmissionStreamInterceptor(gate,
			interceptor.WithAdmissionStreamGetRetryAfter(getStreamRetryAfter)),
	}

	var services []grpcserver.ServiceRegistration
	for _, factory := range []receiver.DefinitionFactory{
		receiver.SpanDefinition,
		receiver.StatDefinition,
		receiver.AgentDefinition,
	} {
		binder, err := receiver.NewBinder(factory, handler, receiver.WithInterceptor(admissionInterceptor))
		if err != nil {
			return nil, fmt.Errorf("bind telemetry service: %w", err)
		}
		services = append(services, binder)
	}
	services = append(services, grpcserver.ServiceRegistrationFunc(func(registrar grpc.ServiceRegistrar) {
		healthServer := health.NewServer()
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		grpc_health_v1.RegisterHealthServer(registrar, healthServer)
	}))

	options := []grpcserver.Option{
		grpcserver.WithServices(services...),
		grpcserver.WithShutdownHooks(gate.Close),
		grpcserver.WithMetricsOptions(grpcserver.MetricsOptions{Namespace: metricsNamespace}),
		grpcserver.WithLoggingOptions(grpcserver.LoggingOptions{
			CallMetadataKeys: []string{receiver.MetadataKeyAgentID, receiver.MetadataKeyApplicationName},
		}),
	}

	if cfg.AddressFilter.Enabled() {
		filter, err := cfg.AddressFilter.NewFilter()
		if err != nil {
			return nil, fmt.Errorf("create address filter: %w", err)
		}
		options = append(options, grpcserver.WithAddressFilter(filter))
	}

	if cfg.AgentRateLimit.Enabled {
		limiter, err := cfg.AgentRateLimit.NewLimiter()
		if err != nil {
			return nil, fmt.Errorf("create agent rate limiter: %w", err)
		}
		limitOpts := cfg.AgentRateLimit.InterceptorOptions()
		options = append(options,
			grpcserver.WithUnaryInterceptors(agentlimit.UnaryInterceptor(limiter, limitOpts...)),
			grpcserver.WithStreamInterceptors(agentlimit.StreamInterceptor(limiter, limitOpts...)))
	}

	srv, err := grpcserver.New(cfg.Server, logger, options...)
	if err != nil {
		return nil, fmt.Errorf("create gRPC server: %w", err)
	}
	reflection.Register(srv.GRPCServer)
	return srv, nil
}

// Start starts all units of the gateway.
func (a *App) Start(fatalError chan<- error) {
	a.units.Start(fatalError)
}

// Stop stops all units of the gateway.
// The gRPC server closes the admission gate before draining the admitted calls.
func (a *App) Stop(gracefully bool) error {
	return a.units.Stop(gracefully)
}

// MustRegisterMetrics registers metrics of all components in Prometheus client.
func (a *App) MustRegisterMetrics() {
	a.gateMetrics.MustRegister()
	a.directoryMetrics.MustRegister()
	a.units.MustRegisterMetrics()
}

// UnregisterMetrics unregisters metrics of all components in Prometheus client.
func (a *App) UnregisterMetrics() {
	a.units.UnregisterMetrics()
	a.directoryMetrics.Unregister()
	a.gateMetrics.Unregister()
}

func (a *App) admissionStatus(context.Context) opsserver.ComponentStatus {
	stats := a.Gate.Stats()
	return opsserver.ComponentStatus{Healthy: !stats.Closed, Details: stats}
}

func (a *App) dispatchStatus(context.Context) opsserver.ComponentStatus {
	return opsserver.ComponentStatus{Healthy: true, Details: a.Handler.Stats()}
}
