// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-tuner.
// Every sentinel wraps a containerd errdefs class so callers can branch with
// errdefs.IsNotFound, errdefs.IsResourceExhausted and friends.

package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Common errors used across the library.
var (
	ErrInvalidArgs    = fmt.Errorf("invalid arguments: %w", errdefs.ErrInvalidArgument)
	ErrDuplicateName  = fmt.Errorf("pool name already registered: %w", errdefs.ErrAlreadyExists)
	ErrExhausted      = fmt.Errorf("resource exhausted: %w", errdefs.ErrResourceExhausted)
	ErrBusy           = fmt.Errorf("resource busy: %w", errdefs.ErrFailedPrecondition)
	ErrPoolClosed     = fmt.Errorf("pool is destroyed: %w", errdefs.ErrFailedPrecondition)
	ErrForeignElement = fmt.Errorf("element not owned by pool: %w", errdefs.ErrInvalidArgument)
	ErrAlreadyBound   = fmt.Errorf("channel already bound: %w", errdefs.ErrAlreadyExists)
	ErrNoSuchChannel  = fmt.Errorf("no such channel: %w", errdefs.ErrNotFound)
	ErrNoSuchStream   = fmt.Errorf("no such stream: %w", errdefs.ErrUnavailable)
	ErrInternal       = fmt.Errorf("internal error: %w", errdefs.ErrInternal)
	ErrInterrupted    = fmt.Errorf("interrupted: %w", context.Canceled)
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeBusy
	ErrCodeAlreadyExists
	ErrCodeNotFound
	ErrCodeInternal
)

// Error represents a structured error with code and context.
// It unwraps to the sentinel it was built from.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// Unwrap exposes the underlying sentinel to errors.Is.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a new structured error around a sentinel.
func NewError(code ErrorCode, sentinel error) *Error {
	return &Error{
		Code:    code,
		Message: sentinel.Error(),
		Context: make(map[string]any),
		Err:     sentinel,
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Status is the outcome class of a read call. It explains why a call
// stopped, not whether data was retrieved.
type Status int

const (
	StatusOK Status = iota
	StatusInvalidArgs
	StatusNoSuchChannel
	StatusInternal
	StatusNoSuchStream
	StatusInterrupted
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidArgs:
		return "invalid-args"
	case StatusNoSuchChannel:
		return "no-such-channel"
	case StatusInternal:
		return "internal"
	case StatusNoSuchStream:
		return "no-such-stream"
	case StatusInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// StatusOf maps an error returned by the read path to its Status.
// Errors outside the read taxonomy map to StatusInternal.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrInvalidArgs):
		return StatusInvalidArgs
	case errors.Is(err, ErrNoSuchChannel):
		return StatusNoSuchChannel
	case errors.Is(err, ErrNoSuchStream):
		return StatusNoSuchStream
	case errors.Is(err, ErrInterrupted):
		return StatusInterrupted
	default:
		return StatusInternal
	}
}
