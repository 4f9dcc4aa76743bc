package errors

import (
	"context"
	"errors"
	"fmt"
)

// SimError is the typed error returned across the simulator's component
// boundaries. Code identifies the failure class; Cause keeps the underlying
// error for errors.Is / errors.As.
type SimError struct {
	Code    string
	Message string
	Cause   error
}

func (e *SimError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SimError) Unwrap() error { return e.Cause }

const (
	ErrCodeCaptureFormat       = "CAPTURE_FORMAT"
	ErrCodeEndpointUnreachable = "ENDPOINT_UNREACHABLE"
	ErrCodeConnectionFailed    = "CONNECTION_FAILED"
	ErrCodeInvalidConfig       = "INVALID_CONFIG"
)

// ErrCaptureFormat reports a persisted feature file whose shape is neither
// connection-level nor legacy packet-level.
func ErrCaptureFormat(msg string, cause error) *SimError {
	return &SimError{
		Code:    ErrCodeCaptureFormat,
		Message: msg,
		Cause:   cause,
	}
}

// ErrEndpointUnreachable reports a failed setup-phase liveness probe.
func ErrEndpointUnreachable(msg string, cause error) *SimError {
	return &SimError{
		Code:    ErrCodeEndpointUnreachable,
		Message: msg,
		Cause:   cause,
	}
}

// ErrConnectionFailed reports one failed simulated connection. Schedulers
// count these; they are never fatal to a run.
func ErrConnectionFailed(msg string, cause error) *SimError {
	return &SimError{
		Code:    ErrCodeConnectionFailed,
		Message: msg,
		Cause:   cause,
	}
}

func ErrInvalidConfig(msg string, cause error) *SimError {
	return &SimError{
		Code:    ErrCodeInvalidConfig,
		Message: msg,
		Cause:   cause,
	}
}

// HasCode reports whether err, or any error it wraps, is a *SimError with
// the given code.
func HasCode(err error, code string) bool {
	var se *SimError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

func IsCaptureFormat(err error) bool       { return HasCode(err, ErrCodeCaptureFormat) }
func IsEndpointUnreachable(err error) bool { return HasCode(err, ErrCodeEndpointUnreachable) }
func IsConnectionFailed(err error) bool    { return HasCode(err, ErrCodeConnectionFailed) }
func IsInvalidConfig(err error) bool       { return HasCode(err, ErrCodeInvalidConfig) }

func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
