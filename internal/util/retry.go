package util

import (
	"context"
	"errors"
)

// Retry calls fn up to attempts times until it returns nil error.
// If attempts <= 0, it defaults to 1. Returns the last error if all attempts fail.
func Retry[T any](attempts int, fn func() (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < attempts; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return zero, lastErr
}

// RetryErr calls fn up to attempts times until it returns nil error.
// If attempts <= 0, it defaults to 1. Returns the last error if all attempts fail.
func RetryErr(attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}

// RetryErrWithContext calls fn up to attempts times until it returns nil error,
// or until ctx is done. Cancellation errors are returned immediately.
func RetryErrWithContext(ctx context.Context, attempts int, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// RetryWithContext calls fn up to attempts times until it returns a result and
// nil error, or until ctx is done. If attempts <= 0, it defaults to 1.
// Returns ctx.Err() if the context is canceled, otherwise the last error.
func RetryWithContext[T any](ctx context.Context, attempts int, fn func(context.Context) (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}

// Retry2WithContext is RetryWithContext for functions returning two results.
func Retry2WithContext[A, B any](ctx context.Context, attempts int, fn func(context.Context) (A, B, error)) (A, B, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	var zeroA A
	var zeroB B
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return zeroA, zeroB, ctx.Err()
		}
		a, b, err := fn(ctx)
		if err == nil {
			return a, b, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zeroA, zeroB, err
		}
		lastErr = err
	}
	return zeroA, zeroB, lastErr
}
