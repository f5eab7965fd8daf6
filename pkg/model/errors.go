package model

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrSeedFailed is returned when the work queue accepted none of the invalidated keys.
	ErrSeedFailed = errors.New("work queue seed failed")
	// ErrCycleActive is returned when another cycle already holds the work queue.
	ErrCycleActive = errors.New("indexing cycle already active")
	// ErrNoWatermark is returned when the primary store could not produce a watermark.
	ErrNoWatermark = errors.New("watermark unavailable")
	// ErrCanceled is returned when the operation is canceled by the caller
	ErrCanceled = errors.New("operation canceled")
)

// WrapError converts context.Canceled and context.DeadlineExceeded to ErrCanceled.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return ErrCanceled
	}
	return err
}

// IsCanceled returns true if the error is due to context cancellation or deadline exceeded.
// It checks both direct context errors and wrapped errors (e.g., from database drivers).
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrCanceled) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "context canceled") || strings.Contains(errStr, "context deadline exceeded")
}
