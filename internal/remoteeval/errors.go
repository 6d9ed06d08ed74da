package remoteeval

import (
	"errors"
	"fmt"

	"github.com/danmuck/edgejit/internal/objfile"
	"github.com/danmuck/edgejit/internal/protocol"
)

// Kind classifies an evaluation failure. The first four come from the wire;
// load and runtime are raised locally.
type Kind string

const (
	KindConnection   Kind = Kind(protocol.KindConnection)
	KindProtocol     Kind = Kind(protocol.KindProtocol)
	KindCompile      Kind = Kind(protocol.KindCompile)
	KindCrossCompile Kind = Kind(protocol.KindCrossCompile)
	KindLoad         Kind = "load"
	KindRuntime      Kind = "runtime"
)

var ErrDisabled = errors.New("remoteeval: remote evaluation disabled and no fallback configured")

// EvalError is the single failure type of every evaluator.
type EvalError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of an *EvalError, or "" for anything else.
func KindOf(err error) Kind {
	var eerr *EvalError
	if errors.As(err, &eerr) {
		return eerr.Kind
	}
	return ""
}

// fromCompiler classifies a failure returned by a Compiler.
func fromCompiler(err error) error {
	var eerr *EvalError
	if errors.As(err, &eerr) {
		return eerr
	}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return &EvalError{Kind: Kind(perr.Kind), Message: perr.Message, Err: err}
	}
	return &EvalError{Kind: KindConnection, Message: err.Error(), Err: err}
}

// fromLoader classifies a failure returned by a Loader.
func fromLoader(err error) error {
	kind := KindRuntime
	if objfile.IsLoadError(err) {
		kind = KindLoad
	}
	return &EvalError{Kind: kind, Message: err.Error(), Err: err}
}
