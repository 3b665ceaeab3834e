// Package skerr provides error wrapping which records the call stack at the
// point where the error was created or first wrapped. Use Wrap/Wrapf when
// passing an error up the stack and Fmt when creating a new one.
package skerr

import (
	"fmt"
	"runtime"
	"strings"
)

// StackFrame is one element of an error's call stack.
type StackFrame struct {
	File string
	Line int
}

func (f StackFrame) String() string {
	return fmt.Sprintf("%s:%d", f.File, f.Line)
}

// ErrorWithStack wraps an underlying error together with the call stack of
// the first Wrap or Fmt call and any context messages added by Wrapf.
type ErrorWithStack struct {
	wrapped error
	context []string
	stack   []StackFrame
}

// Error implements the error interface.
func (e *ErrorWithStack) Error() string {
	var b strings.Builder
	for i := len(e.context) - 1; i >= 0; i-- {
		b.WriteString(e.context[i])
		b.WriteString(": ")
	}
	b.WriteString(e.wrapped.Error())
	if len(e.stack) > 0 {
		b.WriteString(" At ")
		b.WriteString(e.stack[0].String())
	}
	return b.String()
}

// Unwrap returns the underlying error, allowing errors.Is and errors.As to
// see through the wrapper.
func (e *ErrorWithStack) Unwrap() error {
	return e.wrapped
}

// Stack returns the recorded call stack.
func (e *ErrorWithStack) Stack() []StackFrame {
	return e.stack
}

func callStack(skip int) []StackFrame {
	rv := make([]StackFrame, 0, 8)
	for i := skip; ; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		// Trim to the last two path elements, which is enough to locate
		// the file within the repo.
		parts := strings.Split(file, "/")
		if len(parts) > 2 {
			file = strings.Join(parts[len(parts)-2:], "/")
		}
		rv = append(rv, StackFrame{File: file, Line: line})
	}
	return rv
}

// Fmt is like fmt.Errorf but records the call stack.
func Fmt(format string, args ...interface{}) error {
	return &ErrorWithStack{
		wrapped: fmt.Errorf(format, args...),
		stack:   callStack(2),
	}
}

// Wrap adds a call stack to the given error if it does not already carry
// one. Returns nil if err is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if existing, ok := err.(*ErrorWithStack); ok {
		return existing
	}
	return &ErrorWithStack{
		wrapped: err,
		stack:   callStack(2),
	}
}

// Wrapf is like Wrap but adds a context message, eg.
//
//	skerr.Wrapf(err, "reading manifest %s", name)
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if existing, ok := err.(*ErrorWithStack); ok {
		return &ErrorWithStack{
			wrapped: existing.wrapped,
			context: append(append([]string{}, existing.context...), msg),
			stack:   existing.stack,
		}
	}
	return &ErrorWithStack{
		wrapped: err,
		context: []string{msg},
		stack:   callStack(2),
	}
}

// Unwrap returns the underlying error if the given error was produced by
// this package, otherwise the error itself.
func Unwrap(err error) error {
	if e, ok := err.(*ErrorWithStack); ok {
		return e.wrapped
	}
	return err
}
