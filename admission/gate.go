/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"k8s.io/utils/clock"
)

// DefaultWaitTimeout is used when GateConfig.WaitTimeout is zero.
const DefaultWaitTimeout = time.Second

// GateConfig contains the limits of the gate.
type GateConfig struct {
	// MaxConcurrent is the maximum number of admitted calls. Must be positive.
	MaxConcurrent int

	// MaxQueue is the maximum number of calls waiting for a slot.
	// Zero means that calls are rejected as soon as all slots are taken.
	MaxQueue int

	// WaitTimeout is the maximum time a call may spend in the queue.
	// If zero, DefaultWaitTimeout is used.
	WaitTimeout time.Duration
}

// GateOption represents a functional option for configuring Gate.
type GateOption func(*gateOptions)

type gateOptions struct {
	clock            clock.WithDelayedExecution
	metricsCollector MetricsCollector
}

// WithClock sets the clock used for measuring waiting time and scheduling wait deadlines.
// It is mostly useful in tests.
func WithClock(c clock.WithDelayedExecution) GateOption {
	return func(o *gateOptions) {
		o.clock = c
	}
}

// WithMetricsCollector sets the collector of the gate metrics.
func WithMetricsCollector(mc MetricsCollector) GateOption {
	return func(o *gateOptions) {
		o.metricsCollector = mc
	}
}

// Stats is a snapshot of the gate state.
type Stats struct {
	MaxConcurrent int  `json:"max_concurrent"`
	MaxQueue      int  `json:"max_queue"`
	Admitted      int  `json:"admitted"`
	Queued        int  `json:"queued"`
	Closed        bool `json:"closed"`
}

// Free returns the number of slots that may be granted without waiting.
func (s Stats) Free() int {
	return s.MaxConcurrent - s.Admitted
}

type waiter struct {
	ready   chan struct{}
	outcome Outcome
	elem    *list.Element
	timer   clock.Timer
}

// Gate limits the number of concurrently admitted calls and queues the excess ones in FIFO order.
// Gate is safe for concurrent use.
type Gate struct {
	maxConcurrent int
	maxQueue      int
	waitTimeout   time.Duration

	clock            clock.WithDelayedExecution
	metricsCollector MetricsCollector

	// mu guards all fields below. The clock is never called while mu is held.
	mu       sync.Mutex
	admitted int
	queue    *list.List
	closed   bool
}

// NewGate creates a new Gate with the given limits.
func NewGate(cfg GateConfig, options ...GateOption) (*Gate, error) {
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent must be greater than 0, got %d", cfg.MaxConcurrent)
	}
	if cfg.MaxQueue < 0 {
		return nil, fmt.Errorf("max queue must be greater than or equal to 0, got %d", cfg.MaxQueue)
	}
	if cfg.WaitTimeout < 0 {
		return nil, fmt.Errorf("wait timeout must be greater than or equal to 0, got %s", cfg.WaitTimeout)
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}

	opts := gateOptions{clock: clock.RealClock{}}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.metricsCollector == nil {
		opts.metricsCollector = disabledMetricsCollector
	}

	return &Gate{
		maxConcurrent:    cfg.MaxConcurrent,
		maxQueue:         cfg.MaxQueue,
		waitTimeout:      cfg.WaitTimeout,
		clock:            opts.clock,
		metricsCollector: opts.metricsCollector,
		queue:            list.New(),
	}, nil
}

// Acquire tries to obtain a slot.
//
// If a slot is free, it is granted immediately. Otherwise, the caller is queued and blocks until a slot
// is handed over to it, the wait timeout expires (ErrWaitTimeout), the context is done (ErrCancelled)
// or the gate is closed (ErrGateClosed). If the queue is full, ErrQueueFull is returned without waiting.
// All rejection errors except ErrCancelled wrap ErrRejected.
//
// The returned slot must be released exactly once.
func (g *Gate) Acquire(ctx context.Context) (*Slot, error) {
	if err := ctx.Err(); err != nil {
		g.metricsCollector.IncOutcome(OutcomeCancelled)
		return nil, newCancelledError(err)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.metricsCollector.IncOutcome(OutcomeRejectedClosed)
		return nil, ErrGateClosed
	}
	if g.admitted < g.maxConcurrent {
		g.admitted++
		g.metricsCollector.SetAdmitted(g.admitted)
		g.mu.Unlock()
		g.metricsCollector.IncOutcome(OutcomeAdmitted)
		return newSlot(g, 0, false), nil
	}
	if g.queue.Len() >= g.maxQueue {
		g.mu.Unlock()
		g.metricsCollector.IncOutcome(OutcomeRejectedCapacity)
		return nil, ErrQueueFull
	}
	w := &waiter{ready: make(chan struct{})}
	w.elem = g.queue.PushBack(w)
	g.metricsCollector.SetQueued(g.queue.Len())
	g.mu.Unlock()

	return g.wait(ctx, w)
}

func (g *Gate) wait(ctx context.Context, w *waiter) (*Slot, error) {
	enqueuedAt := g.clock.Now()

	// The timer is created outside the lock: fake clocks run expired callbacks synchronously.
	timer := g.clock.AfterFunc(g.waitTimeout, func() { g.expire(w) })
	g.mu.Lock()
	if w.outcome == OutcomePending {
		w.timer = timer
		g.mu.Unlock()
	} else {
		g.mu.Unlock()
		timer.Stop()
	}

	cancelled := false
	select {
	case <-w.ready:
	case <-ctx.Done():
		g.mu.Lock()
		if w.outcome == OutcomePending {
			g.decideLocked(w, OutcomeCancelled)
			t := w.timer
			g.mu.Unlock()
			if t != nil {
				t.Stop()
			}
			g.metricsCollector.IncOutcome(OutcomeCancelled)
			return nil, newCancelledError(ctx.Err())
		}
		g.mu.Unlock()
		cancelled = true
		<-w.ready
	}

	waited := g.clock.Since(enqueuedAt)
	switch w.outcome {
	case OutcomeAdmitted:
		slot := newSlot(g, waited, true)
		if cancelled {
			// The slot was handed over concurrently with the cancellation, pass it on.
			slot.Release()
			g.metricsCollector.IncOutcome(OutcomeCancelled)
			return nil, newCancelledError(ctx.Err())
		}
		g.metricsCollector.ObserveWaitDuration(waited)
		g.metricsCollector.IncOutcome(OutcomeAdmitted)
		return slot, nil
	case OutcomeRejectedTimeout:
		g.metricsCollector.IncOutcome(OutcomeRejectedTimeout)
		return nil, ErrWaitTimeout
	default:
		g.metricsCollector.IncOutcome(OutcomeRejectedClosed)
		return nil, ErrGateClosed
	}
}

func (g *Gate) expire(w *waiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w.outcome == OutcomePending {
		g.decideLocked(w, OutcomeRejectedTimeout)
	}
}

// decideLocked removes a pending waiter from the queue and wakes it up with the given outcome.
func (g *Gate) decideLocked(w *waiter, outcome Outcome) {
	g.queue.Remove(w.elem)
	w.elem = nil
	w.outcome = outcome
	close(w.ready)
	g.metricsCollector.SetQueued(g.queue.Len())
}

func (g *Gate) release() {
	g.mu.Lock()
	front := g.queue.Front()
	if front == nil {
		g.admitted--
		g.metricsCollector.SetAdmitted(g.admitted)
		g.mu.Unlock()
		return
	}
	// The slot goes straight to the head of the queue, admitted count stays the same.
	w := front.Value.(*waiter)
	g.decideLocked(w, OutcomeAdmitted)
	t := w.timer
	g.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// Close rejects all queued calls and all further Acquire calls with ErrGateClosed.
// Already admitted calls are not affected and release their slots as usual.
// Close is idempotent.
func (g *Gate) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	timers := make([]clock.Timer, 0, g.queue.Len())
	for g.queue.Len() > 0 {
		w := g.queue.Front().Value.(*waiter)
		g.decideLocked(w, OutcomeRejectedClosed)
		if w.timer != nil {
			timers = append(timers, w.timer)
		}
	}
	g.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

// Stats returns a snapshot of the gate state.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		MaxConcurrent: g.maxConcurrent,
		MaxQueue:      g.maxQueue,
		Admitted:      g.admitted,
		Queued:        g.queue.Len(),
		Closed:        g.closed,
	}
}

// WaitTimeout returns the maximum time a call may spend in the queue.
func (g *Gate) WaitTimeout() time.Duration {
	return g.waitTimeout
}

// Slot is a permit granted by Gate.Acquire.
type Slot struct {
	gate         *Gate
	released     atomic.Bool
	waitDuration time.Duration
	backlogged   bool
}

func newSlot(g *Gate, waitDuration time.Duration, backlogged bool) *Slot {
	return &Slot{gate: g, waitDuration: waitDuration, backlogged: backlogged}
}

// Release returns the slot to the gate or hands it over to the longest-waiting caller.
// It may be called from any goroutine. Releasing the same slot twice is a bug and causes a panic.
func (s *Slot) Release() {
	if !s.released.CompareAndSwap(false, true) {
		panic("admission: slot is released more than once")
	}
	s.gate.release()
}

// WaitDuration returns how long the call spent in the queue before being admitted.
func (s *Slot) WaitDuration() time.Duration {
	return s.waitDuration
}

// Backlogged reports whether the call was queued before being admitted.
func (s *Slot) Backlogged() bool {
	return s.backlogged
}
