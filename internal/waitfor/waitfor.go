// Package waitfor polls asynchronous conditions with a bounded retry budget.
package waitfor

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultTimeout bounds a poll when Options.Timeout is zero.
	DefaultTimeout = 10 * time.Second
	// DefaultInterval separates attempts when Options.Interval is zero.
	DefaultInterval = 64 * time.Millisecond
)

// Options bounds a single poll.
type Options struct {
	Timeout  time.Duration
	Interval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	return o
}

type abortError struct {
	err error
}

func (e *abortError) Error() string { return e.err.Error() }

func (e *abortError) Unwrap() error { return e.err }

// Abort marks err as permanent. Poll stops on it immediately and returns
// the wrapped error unchanged.
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return &abortError{err: err}
}

// IsAborted reports whether err was produced by Abort.
func IsAborted(err error) bool {
	var ab *abortError
	return errors.As(err, &ab)
}

type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Poll calls fn until it returns a nil error, an aborted error, or the
// timeout elapses. The first attempt runs immediately and every retry waits
// at least opts.Interval. On timeout the last error from fn is returned as is.
func Poll[T any](ctx context.Context, opts Options, fn func(context.Context) (T, error)) (T, error) {
	return poll(ctx, realClock{}, opts, fn)
}

// Until is Poll for predicates without a result value.
func Until(ctx context.Context, opts Options, fn func(context.Context) error) error {
	_, err := Poll(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func poll[T any](ctx context.Context, clk clock, opts Options, fn func(context.Context) (T, error)) (T, error) {
	opts = opts.withDefaults()
	var zero T
	start := clk.Now()
	for {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		var ab *abortError
		if errors.As(err, &ab) {
			return zero, ab.err
		}
		if clk.Now().Sub(start) > opts.Timeout {
			return zero, err
		}
		select {
		case <-ctx.Done():
			return zero, errors.Join(ctx.Err(), err)
		case <-clk.After(opts.Interval):
		}
	}
}
