/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package retry repeats calls rejected by the gateway with exponential backoff,
// honoring the delay suggested by the server.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how failed calls are repeated.
type Policy struct {
	// InitialInterval is the delay before the first retry. It grows 1.5 times (with jitter) on every next retry.
	InitialInterval time.Duration

	// MaxInterval caps the delay. Zero means the backoff library default (1 minute).
	MaxInterval time.Duration

	// MaxRetries limits the number of retries after the first attempt. Zero means retrying until ctx is done.
	MaxRetries int

	// IsRetryable tells whether the error is worth another attempt. Nil means any error is.
	IsRetryable func(err error) bool

	// Notify, if set, is called before every retry.
	Notify func(err error, delay time.Duration)
}

// AfterError carries the minimal delay the server asked to wait before the next attempt.
type AfterError struct {
	Err   error
	Delay time.Duration
}

func (e *AfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.Delay)
}

func (e *AfterError) Unwrap() error {
	return e.Err
}

// After wraps err with the delay suggested by the server (e.g. from the retry-after header).
func After(err error, delay time.Duration) error {
	if err == nil {
		return nil
	}
	return &AfterError{Err: err, Delay: delay}
}

// Do calls fn until it succeeds, returns a non-retryable error, retries are exhausted or ctx is done.
// The last error of fn (unwrapped from AfterError) or the context error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = eb
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxRetries))
	}
	hinted := &hintedBackOff{BackOff: b}

	op := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var afterErr *AfterError
		if errors.As(err, &afterErr) {
			hinted.hint = afterErr.Delay
			err = afterErr.Err
		}
		if p.IsRetryable != nil && !p.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if p.Notify != nil {
		notify = backoff.Notify(p.Notify)
	}
	return backoff.RetryNotify(op, backoff.WithContext(hinted, ctx), notify)
}

// hintedBackOff waits at least the server-suggested delay once.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.hint > next {
		next = b.hint
	}
	b.hint = 0
	return next
}
