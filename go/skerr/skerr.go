// Package skerr provides error wrapping that retains the call stack of the
// point where an error was first wrapped. All errors that cross a package
// boundary should be wrapped exactly once with Wrap or Wrapf.
package skerr

import (
	"fmt"
	"runtime"
	"strings"
)

// StackTrace identifies a filename (base filename only) and line number.
type StackTrace struct {
	File string
	Line int
}

func (st StackTrace) String() string {
	return fmt.Sprintf("%s:%d", st.File, st.Line)
}

// ErrorWithContext is an error that captures the stack of the original
// wrapping call plus any context messages added along the way.
type ErrorWithContext struct {
	// Wrapped is the original error.
	Wrapped error
	// CallStack is the stack at the point Wrap/Wrapf/Fmt was first called,
	// with the most recent call first.
	CallStack []StackTrace
	// Context messages, most recently added first.
	Context []string
}

// Error implements the error interface.
func (e *ErrorWithContext) Error() string {
	var sb strings.Builder
	for _, c := range e.Context {
		sb.WriteString(c)
		sb.WriteString(": ")
	}
	if e.Wrapped != nil {
		sb.WriteString(e.Wrapped.Error())
	}
	if len(e.CallStack) > 0 {
		sb.WriteString(". At")
		for _, st := range e.CallStack {
			sb.WriteString(" ")
			sb.WriteString(st.String())
		}
	}
	return sb.String()
}

// Unwrap supports errors.Is and errors.As.
func (e *ErrorWithContext) Unwrap() error {
	return e.Wrapped
}

// CallStack returns a slice of StackTrace representing the current stack,
// skipping the given number of frames and returning at most height frames.
// A skipFrames of 0 reports CallStack itself; each wrapping function below
// passes 2 so the stack starts at its own caller.
func CallStack(height, skipFrames int) []StackTrace {
	stack := make([]StackTrace, 0, height)
	for i := 0; i < height; i++ {
		_, file, line, ok := runtime.Caller(skipFrames + i)
		if !ok {
			break
		}
		parts := strings.Split(file, "/")
		stack = append(stack, StackTrace{File: parts[len(parts)-1], Line: line})
	}
	return stack
}

// Wrap adds the current stack to err. If err is already wrapped, it is
// returned as is so the original stack is preserved.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*ErrorWithContext); ok {
		return err
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: CallStack(4, 2),
	}
}

// Unwrap returns the original error if err was produced by this package,
// otherwise err itself.
func Unwrap(err error) error {
	if wrapped, ok := err.(*ErrorWithContext); ok {
		return wrapped.Wrapped
	}
	return err
}

// Fmt creates a new wrapped error from a format string.
func Fmt(format string, args ...interface{}) error {
	return &ErrorWithContext{
		Wrapped:   fmt.Errorf(format, args...),
		CallStack: CallStack(4, 2),
	}
}

// Wrapf adds context and the current stack to err. Unlike Wrap, context is
// appended even when err is already wrapped.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	context := fmt.Sprintf(format, args...)
	if wrapped, ok := err.(*ErrorWithContext); ok {
		return &ErrorWithContext{
			Wrapped:   wrapped.Wrapped,
			CallStack: wrapped.CallStack,
			Context:   append([]string{context}, wrapped.Context...),
		}
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: CallStack(4, 2),
		Context:   []string{context},
	}
}
