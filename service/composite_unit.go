/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"errors"
	"strings"
	"sync"
)

// CompositeUnit runs several units as one.
type CompositeUnit struct {
	Units []Unit
}

// NewCompositeUnit creates a new CompositeUnit. Nil units are skipped.
func NewCompositeUnit(units ...Unit) *CompositeUnit {
	cu := &CompositeUnit{Units: make([]Unit, 0, len(units))}
	for _, u := range units {
		if u != nil {
			cu.Units = append(cu.Units, u)
		}
	}
	return cu
}

// Start starts every unit in its own goroutine and returns when all Start calls have returned successfully.
// As soon as one unit fails, the rest are stopped non-gracefully and a *CompositeUnitError with the start
// and stop errors is written to fatalErr.
func (cu *CompositeUnit) Start(fatalErr chan<- error) {
	failures := make(chan error, len(cu.Units))
	var wg sync.WaitGroup
	for _, u := range cu.Units {
		wg.Add(1)
		go func(u Unit) {
			defer wg.Done()
			unitErr := make(chan error, 1)
			u.Start(unitErr)
			select {
			case err := <-unitErr:
				failures <- err
			default:
			}
		}(u)
	}
	started := make(chan struct{})
	go func() {
		wg.Wait()
		close(started)
	}()

	var firstErr error
	select {
	case firstErr = <-failures:
	case <-started:
		select {
		case firstErr = <-failures:
		default:
			return
		}
	}

	errs := []error{firstErr}
	var stopErr *CompositeUnitError
	if errors.As(cu.Stop(false), &stopErr) {
		errs = append(errs, stopErr.UnitErrors...)
	}
	for drained := false; !drained; {
		select {
		case err := <-failures:
			errs = append(errs, err)
		default:
			drained = true
		}
	}
	fatalErr <- &CompositeUnitError{UnitErrors: errs}
}

// Stop stops all units concurrently. Errors are collected in the order of units.
func (cu *CompositeUnit) Stop(gracefully bool) error {
	stopErrs := make([]error, len(cu.Units))
	var wg sync.WaitGroup
	for i := range cu.Units {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stopErrs[i] = cu.Units[i].Stop(gracefully)
		}(i)
	}
	wg.Wait()

	var errs []error
	for _, err := range stopErrs {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &CompositeUnitError{UnitErrors: errs}
}

// MustRegisterMetrics registers metrics of all units which have them.
func (cu *CompositeUnit) MustRegisterMetrics() {
	for _, u := range cu.Units {
		if mr, ok := u.(MetricsRegisterer); ok {
			mr.MustRegisterMetrics()
		}
	}
}

// UnregisterMetrics unregisters metrics of all units which have them.
func (cu *CompositeUnit) UnregisterMetrics() {
	for _, u := range cu.Units {
		if mr, ok := u.(MetricsRegisterer); ok {
			mr.UnregisterMetrics()
		}
	}
}

// CompositeUnitError aggregates errors of several units.
type CompositeUnitError struct {
	UnitErrors []error
}

func (e *CompositeUnitError) Error() string {
	msgs := make([]string, len(e.UnitErrors))
	for i, err := range e.UnitErrors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Unwrap allows errors.Is and errors.As to look into the unit errors.
func (e *CompositeUnitError) Unwrap() []error {
	return e.UnitErrors
}
