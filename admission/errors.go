/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"context"
	"errors"
	"fmt"
)

// ErrRejected is the base error for all calls that were not admitted because of the gate state.
var ErrRejected = errors.New("admission rejected")

// ErrQueueFull is returned when all slots are taken and the wait queue has no room left.
var ErrQueueFull = fmt.Errorf("%w: wait queue is full", ErrRejected)

// ErrWaitTimeout is returned when a queued call was not admitted within the wait timeout.
var ErrWaitTimeout = fmt.Errorf("%w: wait timeout exceeded", ErrRejected)

// ErrGateClosed is returned for queued and new calls after the gate has been closed.
var ErrGateClosed = fmt.Errorf("%w: gate is closed", ErrRejected)

// ErrCancelled is returned when the caller's context is done before a slot is granted.
// The context error is wrapped too, so errors.Is(err, context.Canceled) works as expected.
var ErrCancelled = errors.New("admission cancelled")

// Outcome describes how an admission attempt has ended.
type Outcome int

// Admission outcomes.
const (
	OutcomePending Outcome = iota
	OutcomeAdmitted
	OutcomeRejectedCapacity
	OutcomeRejectedTimeout
	OutcomeCancelled
	OutcomeRejectedClosed
)

// String returns a short name of the outcome. It is used as a metrics label value.
func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeAdmitted:
		return "admitted"
	case OutcomeRejectedCapacity:
		return "rejected_capacity"
	case OutcomeRejectedTimeout:
		return "rejected_timeout"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeRejectedClosed:
		return "rejected_closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// OutcomeFromError maps an error returned by Gate.Acquire to the corresponding outcome.
// Nil error means the call was admitted.
func OutcomeFromError(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeAdmitted
	case errors.Is(err, ErrQueueFull):
		return OutcomeRejectedCapacity
	case errors.Is(err, ErrWaitTimeout):
		return OutcomeRejectedTimeout
	case errors.Is(err, ErrGateClosed):
		return OutcomeRejectedClosed
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	default:
		return OutcomePending
	}
}

func newCancelledError(ctxErr error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
}
