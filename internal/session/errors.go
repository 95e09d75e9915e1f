package session

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the kind of session failure
type ErrorCode string

const (
	CodeInvalidHandle       ErrorCode = "invalid_handle"
	CodeNotConnected        ErrorCode = "not_connected"
	CodeAlreadyConnected    ErrorCode = "already_connected"
	CodeSessionNotReady     ErrorCode = "session_not_ready"
	CodeServiceNotSupported ErrorCode = "service_not_supported"
	CodeTransportFailure    ErrorCode = "transport_failure"
	CodeSessionClosed       ErrorCode = "session_closed"
	CodeCancelled           ErrorCode = "cancelled"
	CodeTimeout             ErrorCode = "timeout"
	CodeLinkLost            ErrorCode = "link_lost"
	CodeInvalidCommand      ErrorCode = "invalid_command"
	CodeClosed              ErrorCode = "closed"
)

// Error is the single error type returned by the session package.
// Errors compare equal under errors.Is when their codes match.
type Error struct {
	Code ErrorCode
	Msg  string
	Err  error // underlying cause, if any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := string(e.Code)
	if e.Msg != "" {
		s = fmt.Sprintf("%s: %s", s, e.Msg)
	}
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}

// Unwrap exposes the underlying cause
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Code
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Predefined sentinel errors
var (
	ErrInvalidHandle       = &Error{Code: CodeInvalidHandle}
	ErrNotConnected        = &Error{Code: CodeNotConnected}
	ErrAlreadyConnected    = &Error{Code: CodeAlreadyConnected}
	ErrSessionNotReady     = &Error{Code: CodeSessionNotReady}
	ErrServiceNotSupported = &Error{Code: CodeServiceNotSupported}
	ErrTransportFailure    = &Error{Code: CodeTransportFailure}
	ErrSessionClosed       = &Error{Code: CodeSessionClosed}
	ErrCancelled           = &Error{Code: CodeCancelled}
	ErrTimeout             = &Error{Code: CodeTimeout}
	ErrLinkLost            = &Error{Code: CodeLinkLost}
	ErrInvalidCommand      = &Error{Code: CodeInvalidCommand}
	ErrClosed              = &Error{Code: CodeClosed}
)

func newError(code ErrorCode, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, Err: cause}
}

// TransportFailure wraps a transport error for the named operation
func TransportFailure(op string, err error) error {
	return newError(CodeTransportFailure, op, err)
}

// CodeOf returns the ErrorCode carried by err, or "" when err is not a session error
func CodeOf(err error) ErrorCode {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Code
	}
	return ""
}
