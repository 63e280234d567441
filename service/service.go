/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/acronis/go-ingestgate/log"
)

// Service drives a root Unit: it registers the unit's metrics, starts it and stops it gracefully
// once the context is done or a shutdown signal is received.
type Service struct {
	unit            Unit
	logger          log.FieldLogger
	shutdownSignals []os.Signal
	signals         chan os.Signal
}

// Option configures Service.
type Option func(s *Service)

// WithShutdownSignals overrides the signals (SIGINT and SIGTERM by default) that trigger a graceful stop.
func WithShutdownSignals(sigs ...os.Signal) Option {
	return func(s *Service) {
		s.shutdownSignals = sigs
	}
}

// New creates a new Service for the unit.
func New(logger log.FieldLogger, unit Unit, options ...Option) *Service {
	s := &Service{
		unit:            unit,
		logger:          logger,
		shutdownSignals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		signals:         make(chan os.Signal, 1),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Start runs the service until a shutdown signal is received.
func (s *Service) Start() error {
	return s.Run(context.Background())
}

// Run starts the unit and blocks until ctx is done, a shutdown signal arrives or the unit fails.
// A unit failure is returned as is (wrapped), the unit is not stopped in this case since it has already failed.
func (s *Service) Run(ctx context.Context) error {
	unregisterMetrics := registerUnitMetrics(s.unit)
	defer unregisterMetrics()

	fatalErr := make(chan error, 1)
	go s.unit.Start(fatalErr)

	if len(s.shutdownSignals) != 0 {
		signal.Notify(s.signals, s.shutdownSignals...)
		defer signal.Stop(s.signals)
	}

	var reason log.Field
	select {
	case err := <-fatalErr:
		s.logger.Error("service unit failed", log.Error(err))
		return fmt.Errorf("unit failed: %w", err)
	case <-ctx.Done():
		reason = log.String("reason", "context done")
	case sig := <-s.signals:
		reason = log.String("reason", "signal "+sig.String())
	}

	s.logger.Info("stopping service gracefully", reason)
	if err := s.unit.Stop(true); err != nil {
		return fmt.Errorf("stop unit gracefully: %w", err)
	}
	s.logger.Info("service is stopped")
	return nil
}
