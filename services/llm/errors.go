// Copyright (C) 2026 Agora Labs (dev@agoralabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// ErrorType categorizes gateway failures for programmatic handling.
type ErrorType int

const (
	// ErrorConnectionFailed indicates the model server is not reachable.
	ErrorConnectionFailed ErrorType = iota

	// ErrorBadStatus indicates the server returned a non-200 status.
	ErrorBadStatus

	// ErrorModelNotFound indicates the requested model is not available.
	ErrorModelNotFound

	// ErrorInvalidResponse indicates the server returned unexpected data.
	ErrorInvalidResponse

	// ErrorCancelled indicates the operation was cancelled by the caller.
	ErrorCancelled
)

// String returns the error type as a string for logging.
func (t ErrorType) String() string {
	switch t {
	case ErrorConnectionFailed:
		return "CONNECTION_FAILED"
	case ErrorBadStatus:
		return "BAD_STATUS"
	case ErrorModelNotFound:
		return "MODEL_NOT_FOUND"
	case ErrorInvalidResponse:
		return "INVALID_RESPONSE"
	case ErrorCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether a failure of this type may succeed on retry.
// Only transport-level failures are worth retrying; a missing model or a
// cancelled context will not fix itself.
func (t ErrorType) Retryable() bool {
	return t == ErrorConnectionFailed || t == ErrorBadStatus
}

// Error provides structured error information for gateway operations.
type Error struct {
	// Type categorizes the error.
	Type ErrorType

	// Model is the model the request targeted.
	Model string

	// Message is a human-readable description.
	Message string

	// Remediation suggests how to fix the issue.
	Remediation string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// FullError returns a detailed message including remediation.
func (e *Error) FullError() string {
	var buf bytes.Buffer
	buf.WriteString(e.Message)
	if e.Model != "" {
		buf.WriteString(fmt.Sprintf(" (model: %s)", e.Model))
	}
	if e.Remediation != "" {
		buf.WriteString("\n\nTo fix:\n")
		buf.WriteString(e.Remediation)
	}
	return buf.String()
}

// TypeOf extracts the ErrorType from err, or ErrorInvalidResponse when err
// is not a gateway *Error.
func TypeOf(err error) ErrorType {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Type
	}
	return ErrorInvalidResponse
}

// IsCancelled reports whether err represents caller cancellation.
func IsCancelled(err error) bool {
	var ge *Error
	if errors.As(err, &ge) && ge.Type == ErrorCancelled {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
