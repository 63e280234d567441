/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-ingestgate/log/logtest"
)

// fakeUnit blocks in Start until Stop is called, or fails right away if startErr is set.
type fakeUnit struct {
	name     string
	startErr error
	stopErr  error

	running    *atomic.Int32
	released   chan struct{}
	stopOnce   sync.Once
	starts     atomic.Int32
	stops      atomic.Int32
	gracefully atomic.Int32
	registered atomic.Int32
}

func newFakeUnit(name string, running *atomic.Int32) *fakeUnit {
	return &fakeUnit{name: name, running: running, released: make(chan struct{})}
}

func (u *fakeUnit) Start(fatalErr chan<- error) {
	u.starts.Inc()
	if u.startErr != nil {
		fatalErr <- u.startErr
		return
	}
	u.running.Inc()
	<-u.released
	u.running.Dec()
}

func (u *fakeUnit) Stop(gracefully bool) error {
	u.stops.Inc()
	if gracefully {
		u.gracefully.Inc()
	}
	u.stopOnce.Do(func() { close(u.released) })
	if u.stopErr != nil {
		return fmt.Errorf("%s: %w", u.name, u.stopErr)
	}
	return nil
}

func (u *fakeUnit) MustRegisterMetrics() { u.registered.Inc() }

func (u *fakeUnit) UnregisterMetrics() { u.registered.Dec() }

func TestService_StopBySignal(t *testing.T) {
	running := atomic.NewInt32(0)
	unit := newFakeUnit("grpc", running)
	logRecorder := logtest.NewRecorder()
	svc := New(logRecorder, unit, WithShutdownSignals())

	runErr := make(chan error, 1)
	go func() { runErr <- svc.Start() }()

	require.Eventually(t, func() bool { return running.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, unit.registered.Load())

	svc.signals <- os.Interrupt
	require.NoError(t, <-runErr)

	require.Eventually(t, func() bool { return running.Load() == 0 }, 3*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, unit.gracefully.Load())
	require.EqualValues(t, 0, unit.registered.Load())
	entry, found := logRecorder.FindEntry("stopping service gracefully")
	require.True(t, found)
	reason, found := entry.FindField("reason")
	require.True(t, found)
	require.Equal(t, "signal "+os.Interrupt.String(), string(reason.Bytes))
}

func TestService_StopByContext(t *testing.T) {
	running := atomic.NewInt32(0)
	unit := newFakeUnit("grpc", running)
	svc := New(logtest.NewRecorder(), unit)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return running.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-runErr)
	require.EqualValues(t, 1, unit.gracefully.Load())
}

func TestService_UnitFailure(t *testing.T) {
	errListen := errors.New("listen tcp :9090: address already in use")
	unit := newFakeUnit("grpc", atomic.NewInt32(0))
	unit.startErr = errListen
	logRecorder := logtest.NewRecorder()

	err := New(logRecorder, unit).Run(context.Background())
	require.ErrorIs(t, err, errListen)
	require.EqualValues(t, 0, unit.stops.Load())
	_, found := logRecorder.FindEntry("service unit failed")
	require.True(t, found)
}

func TestService_GracefulStopError(t *testing.T) {
	errDrain := errors.New("drain timeout")
	unit := newFakeUnit("grpc", atomic.NewInt32(0))
	unit.stopErr = errDrain

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(logtest.NewRecorder(), unit).Run(ctx)
	require.ErrorIs(t, err, errDrain)
}
