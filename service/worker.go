/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"k8s.io/utils/clock"

	"github.com/acronis/go-ingestgate/log"
)

// ErrStopPeriodicWorker may be returned by the underlying worker to end the PeriodicWorker loop without error.
var ErrStopPeriodicWorker = errors.New("stop periodic worker")

// Worker performs some long-running work until ctx is done.
type Worker interface {
	Run(ctx context.Context) error
}

// WorkerFunc is an adapter to allow the use of ordinary functions as Worker.
type WorkerFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f WorkerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// PeriodicWorkerOption configures PeriodicWorker.
type PeriodicWorkerOption func(pw *PeriodicWorker)

// WithInitialDelay sets the delay before the first run. By default, the first run happens after one interval.
func WithInitialDelay(d time.Duration) PeriodicWorkerOption {
	return func(pw *PeriodicWorker) {
		pw.initialDelay = d
	}
}

// WithPeriodicWorkerClock sets the clock used for delays.
func WithPeriodicWorkerClock(c clock.Clock) PeriodicWorkerOption {
	return func(pw *PeriodicWorker) {
		pw.clock = c
	}
}

// PeriodicWorker runs the underlying worker with a fixed interval between runs.
// An error of a single run is logged and does not stop the loop.
type PeriodicWorker struct {
	worker       Worker
	interval     time.Duration
	initialDelay time.Duration
	clock        clock.Clock
	logger       log.FieldLogger
}

// NewPeriodicWorker creates a new PeriodicWorker.
func NewPeriodicWorker(
	worker Worker, interval time.Duration, logger log.FieldLogger, options ...PeriodicWorkerOption,
) *PeriodicWorker {
	pw := &PeriodicWorker{
		worker:       worker,
		interval:     interval,
		initialDelay: interval,
		clock:        clock.RealClock{},
		logger:       logger,
	}
	for _, opt := range options {
		opt(pw)
	}
	return pw
}

// Run runs the loop until ctx is done or the worker returns ErrStopPeriodicWorker.
func (pw *PeriodicWorker) Run(ctx context.Context) error {
	defer pw.logPanic()

	pw.logger.Info("periodic worker is started",
		log.Duration("initial_delay", pw.initialDelay), log.Duration("interval", pw.interval))

	timer := pw.clock.NewTimer(pw.initialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			pw.logger.Info("periodic worker is stopped")
			return nil
		case <-timer.C():
		}

		if err := pw.worker.Run(ctx); err != nil {
			if errors.Is(err, ErrStopPeriodicWorker) {
				pw.logger.Info("periodic worker is stopped by the worker")
				return nil
			}
			pw.logger.Error("periodic worker run failed", log.Error(err))
		}
		timer.Reset(pw.interval)
	}
}

func (pw *PeriodicWorker) logPanic() {
	if p := recover(); p != nil {
		stack := make([]byte, 8192)
		stack = stack[:runtime.Stack(stack, false)]
		pw.logger.Error(fmt.Sprintf("periodic worker panic: %+v", p), log.Bytes("stack", stack))
		panic(p)
	}
}
