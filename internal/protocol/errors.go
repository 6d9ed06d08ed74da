package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrLineTooLarge   = errors.New("protocol: message line too large")
	ErrMalformed      = errors.New("protocol: malformed message")
	ErrUnknownOp      = errors.New("protocol: unknown op")
	ErrInvalidRequest = errors.New("protocol: invalid request")
	ErrIDMismatch     = errors.New("protocol: response id mismatch")
	ErrUnexpectedOp   = errors.New("protocol: unexpected response op")
)

// ErrorKind classifies a failure on the wire.
type ErrorKind string

const (
	KindConnection   ErrorKind = "connection"
	KindProtocol     ErrorKind = "protocol"
	KindCompile      ErrorKind = "compile"
	KindCrossCompile ErrorKind = "cross-compile"
)

func (k ErrorKind) Valid() bool {
	switch k {
	case KindConnection, KindProtocol, KindCompile, KindCrossCompile:
		return true
	default:
		return false
	}
}

// Error is a classified failure. Message is what travels in the "error"
// field of an error response.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a classified error. A %w verb in format is kept for errors.Is.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: err.Error(), Err: errors.Unwrap(err)}
}

// Wrap classifies err under kind, keeping it reachable through Unwrap.
func Wrap(kind ErrorKind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// AsError returns err as a classified error, using fallback when err carries
// no kind of its own.
func AsError(err error, fallback ErrorKind) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return Wrap(fallback, err)
}

// KindOf returns the kind of a classified error, or "" when err has none.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}
