/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acronis/go-ingestgate/log"
	"github.com/acronis/go-ingestgate/service"
)

// Endpoints of the ops server.
const (
	MetricsEndpoint = "/metrics"
	HealthEndpoint  = "/healthz"
	ProfileEndpoint = "/debug"
)

// ComponentStatus is a status of a single component reported by the health endpoint.
type ComponentStatus struct {
	Healthy bool        `json:"healthy"`
	Details interface{} `json:"details,omitempty"`
}

// StatusFunc returns the current status of a component.
type StatusFunc func(ctx context.Context) ComponentStatus

type healthResponse struct {
	Healthy    bool                       `json:"healthy"`
	Components map[string]ComponentStatus `json:"components"`
}

// Option represents a functional option for configuring OpsServer.
type Option func(*serverOptions)

type serverOptions struct {
	gatherer   prometheus.Gatherer
	components map[string]StatusFunc
}

// WithGatherer sets the Prometheus gatherer for the metrics endpoint.
// By default, prometheus.DefaultGatherer is used.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(o *serverOptions) {
		o.gatherer = gatherer
	}
}

// WithComponent adds the component status to the health endpoint.
// The endpoint responds with 503 if any component is unhealthy.
func WithComponent(name string, fn StatusFunc) Option {
	return func(o *serverOptions) {
		o.components[name] = fn
	}
}

// OpsServer is an HTTP server for operational endpoints: metrics, health and profiling.
// It implements service.Unit interface.
type OpsServer struct {
	HTTPServer *http.Server
	Logger     log.FieldLogger

	address         atomic.Value
	shutdownTimeout time.Duration
	httpServerDone  chan struct{}
}

var _ service.Unit = (*OpsServer)(nil)

// New creates a new OpsServer.
func New(cfg *Config, logger log.FieldLogger, options ...Option) *OpsServer {
	opts := serverOptions{gatherer: prometheus.DefaultGatherer, components: map[string]StatusFunc{}}
	for _, opt := range options {
		opt(&opts)
	}

	router := chi.NewRouter()
	router.Use(
		chimiddleware.RequestID,
		accessLog(logger),
		chimiddleware.Recoverer,
	)
	router.Method(http.MethodGet, MetricsEndpoint, promhttp.HandlerFor(opts.gatherer, promhttp.HandlerOpts{}))
	router.Method(http.MethodGet, HealthEndpoint, newHealthHandler(opts.components, logger))
	if cfg.Pprof {
		router.Mount(ProfileEndpoint, chimiddleware.Profiler())
	}

	s := &OpsServer{
		HTTPServer: &http.Server{
			Addr:              cfg.Address,
			Handler:           router,
			ReadHeaderTimeout: time.Second * 5,
		},
		Logger:          logger,
		shutdownTimeout: time.Duration(cfg.ShutdownTimeout),
		httpServerDone:  make(chan struct{}),
	}
	s.address.Store(cfg.Address)
	return s
}

// Start starts the ops server in a blocking way. Supposed this method will be called in a separate goroutine.
// If a fatal error occurs, it's sent into passed fatalError channel and should be processed outside.
func (s *OpsServer) Start(fatalError chan<- error) {
	defer close(s.httpServerDone)

	logger := s.Logger.With(log.String("address", s.HTTPServer.Addr))
	logger.Info("starting ops HTTP server...")

	ln, err := net.Listen("tcp", s.HTTPServer.Addr)
	if err != nil {
		logger.Error("ops HTTP server listen error", log.Error(err))
		fatalError <- err
		return
	}
	s.address.Store(ln.Addr().String())

	if err = s.HTTPServer.Serve(ln); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("ops HTTP server closed")
			return
		}
		logger.Error("ops HTTP server error", log.Error(err))
		fatalError <- err
	}
}

// Stop stops the ops server.
func (s *OpsServer) Stop(gracefully bool) error {
	if !gracefully {
		s.Logger.Info("closing ops HTTP server...")
		if err := s.HTTPServer.Close(); err != nil {
			return fmt.Errorf("close ops HTTP server: %w", err)
		}
		<-s.httpServerDone
		return nil
	}

	s.Logger.Info("shutting down ops HTTP server...", log.Duration("timeout", s.shutdownTimeout))
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.HTTPServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shut down ops HTTP server: %w", err)
	}
	<-s.httpServerDone
	return nil
}

// Address returns the address the server listens on.
func (s *OpsServer) Address() string {
	addr, _ := s.address.Load().(string)
	return addr
}

// URL returns the base URL of the server.
func (s *OpsServer) URL() string {
	return "http://" + s.Address()
}

func newHealthHandler(components map[string]StatusFunc, logger log.FieldLogger) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Healthy: true, Components: make(map[string]ComponentStatus, len(components))}
		for name, fn := range components {
			st := fn(r.Context())
			resp.Components[name] = st
			if !st.Healthy {
				resp.Healthy = false
			}
		}
		status := http.StatusOK
		if !resp.Healthy {
			status = http.StatusServiceUnavailable
		}
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(status)
		if err := json.NewEncoder(rw).Encode(resp); err != nil {
			logger.Warn("failed to write health response", log.Error(err))
		}
	}
}

func accessLog(logger log.FieldLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			startTime := time.Now()
			wrw := chimiddleware.NewWrapResponseWriter(rw, r.ProtoMajor)
			next.ServeHTTP(wrw, r)

			duration := time.Since(startTime)
			fields := []log.Field{
				log.String("request_id", chimiddleware.GetReqID(r.Context())),
				log.String("method", r.Method),
				log.String("uri", r.RequestURI),
				log.String("remote_addr", r.RemoteAddr),
				log.Int64("duration_ms", duration.Milliseconds()),
				log.Int("status", wrw.Status()),
				log.Int("bytes_sent", wrw.BytesWritten()),
			}
			msg := fmt.Sprintf("response completed in %.3fs", duration.Seconds())
			if wrw.Status() >= http.StatusInternalServerError {
				logger.Warn(msg, fields...)
				return
			}
			logger.Debug(msg, fields...)
		})
	}
}
