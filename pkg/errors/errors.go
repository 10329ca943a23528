// Package errors holds the categorized error type used across the collection engine.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Code classifies an error for retry and terminal-state decisions.
type Code string

const (
	// CodeConfig is a bad job definition or failed decryption. Fatal at init.
	CodeConfig Code = "CONFIG"
	// CodeTransient is a fetch or parse failure that the scheduler retries.
	CodeTransient Code = "TRANSIENT"
	// CodeTimeout is a fetch batch that exceeded its ceiling. Retried like a transient error.
	CodeTimeout Code = "TIMEOUT"
	// CodeExhausted is returned once the retry bound has been used up.
	CodeExhausted Code = "EXHAUSTED"
	// CodeSink is a persistent save failure.
	CodeSink Code = "SINK"
	// CodeInternal is a recovered panic or broken invariant.
	CodeInternal Code = "INTERNAL"
)

// StructuredError carries a code, a human message, the wrapped cause and optional context fields.
type StructuredError struct {
	Code    Code
	Message string
	Cause   error
	Context map[string]string
}

func (e *StructuredError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Cause != nil {
		if e.Message != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Cause.Error())
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Context[k])
		}
		b.WriteString("]")
	}
	return b.String()
}

func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// With returns e with an extra context field.
func (e *StructuredError) With(key, value string) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// New creates a StructuredError without a cause.
func New(code Code, format string, args ...any) *StructuredError {
	return &StructuredError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a StructuredError around cause. A nil cause yields nil.
func Wrap(cause error, code Code, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &StructuredError{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Mark attaches code to err without changing its message.
func Mark(err error, code Code) error {
	if err == nil {
		return nil
	}
	return &StructuredError{Code: code, Cause: err}
}

// CodeOf returns the code of the outermost StructuredError in the chain, or CodeInternal.
func CodeOf(err error) Code {
	var se *StructuredError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// IsCode reports whether any StructuredError in the chain has the given code.
func IsCode(err error, code Code) bool {
	for err != nil {
		var se *StructuredError
		if !stderrors.As(err, &se) {
			return false
		}
		if se.Code == code {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsRetryable reports whether the scheduler should retry after err. Configuration errors and
// errors that already used up their own retry bound (SINK, EXHAUSTED) are final.
func IsRetryable(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	return !IsCode(err, CodeConfig) && !IsCode(err, CodeSink) && !IsCode(err, CodeExhausted)
}

// IsCancelled reports whether err stems from context cancellation.
func IsCancelled(err error) bool {
	return stderrors.Is(err, context.Canceled)
}

// Is, As and Join re-export the standard helpers so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }
