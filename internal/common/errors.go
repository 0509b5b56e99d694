package common

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrStream      = errors.New("stream error")
	ErrToolFailed  = errors.New("tool execution failed")
	ErrCancelled   = errors.New("cancelled")
	ErrPersistence = errors.New("persistence error")
)

// StreamError is a malformed or erroring response frame. It is fatal to
// the current request and never retried.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return "stream: " + e.Message }

func (e *StreamError) Is(target error) bool { return target == ErrStream }

// ToolExecutionError is a single failed tool call.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

func (e *ToolExecutionError) Is(target error) bool { return target == ErrToolFailed }

// CancellationError is a user-initiated stop.
type CancellationError struct {
	Cause error
}

func (e *CancellationError) Error() string {
	if e.Cause == nil {
		return "cancelled"
	}
	return "cancelled: " + e.Cause.Error()
}

func (e *CancellationError) Unwrap() error { return e.Cause }

func (e *CancellationError) Is(target error) bool { return target == ErrCancelled }

// PersistenceError is a failed save or load against the backend.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Cancelled wraps cause as a CancellationError unless it already is one.
func Cancelled(cause error) error {
	var ce *CancellationError
	if errors.As(cause, &ce) {
		return cause
	}
	return &CancellationError{Cause: cause}
}

// IsCancellation reports whether err is a user stop, including bare
// context cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
