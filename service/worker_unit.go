/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/atomic"
)

// ErrWorkerStopTimeout is returned by WorkerUnit.Stop when the worker does not finish in time.
var ErrWorkerStopTimeout = errors.New("worker stop timeout exceeded")

// WorkerUnitOption configures WorkerUnit.
type WorkerUnitOption func(u *WorkerUnit)

// WithStopTimeout limits how long a graceful Stop waits for the worker. Zero means no limit.
func WithStopTimeout(d time.Duration) WorkerUnitOption {
	return func(u *WorkerUnit) {
		u.stopTimeout = d
	}
}

// WithWorkerMetrics makes the unit register and unregister the given collectors.
func WithWorkerMetrics(mr MetricsRegisterer) WorkerUnitOption {
	return func(u *WorkerUnit) {
		u.metrics = mr
	}
}

// WorkerUnit presents Worker as Unit. Start blocks while the worker runs, Stop cancels its context.
type WorkerUnit struct {
	worker      Worker
	stopTimeout time.Duration
	metrics     MetricsRegisterer

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	done    chan struct{}
}

// NewWorkerUnit creates a new WorkerUnit.
func NewWorkerUnit(worker Worker, options ...WorkerUnitOption) *WorkerUnit {
	ctx, cancel := context.WithCancel(context.Background())
	u := &WorkerUnit{worker: worker, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	for _, opt := range options {
		opt(u)
	}
	return u
}

// Start runs the worker. A worker error is reported as fatal.
func (u *WorkerUnit) Start(fatalErr chan<- error) {
	if !u.started.CompareAndSwap(false, true) {
		return
	}
	defer close(u.done)
	if err := u.worker.Run(u.ctx); err != nil {
		fatalErr <- err
	}
}

// Stop cancels the worker's context and, if gracefully is true, waits for the worker to return.
func (u *WorkerUnit) Stop(gracefully bool) error {
	u.cancel()
	if !gracefully || !u.started.Load() {
		return nil
	}
	if u.stopTimeout <= 0 {
		<-u.done
		return nil
	}
	timer := time.NewTimer(u.stopTimeout)
	defer timer.Stop()
	select {
	case <-u.done:
		return nil
	case <-timer.C:
		return ErrWorkerStopTimeout
	}
}

// MustRegisterMetrics registers the worker's metrics, if any.
func (u *WorkerUnit) MustRegisterMetrics() {
	if u.metrics != nil {
		u.metrics.MustRegisterMetrics()
	}
}

// UnregisterMetrics unregisters the worker's metrics, if any.
func (u *WorkerUnit) UnregisterMetrics() {
	if u.metrics != nil {
		u.metrics.UnregisterMetrics()
	}
}
