// Package chrome implements the Chrome DevTools communication layer:
// response classification, retry policy per operation class, per-tab
// circuit breaking, the safe evaluator that composes them, and the tab
// health probe.
package chrome

import (
	"errors"
	"fmt"
	"time"
)

// ErrUndefinedResult is returned when an evaluation produced "undefined".
// Undefined is treated as a failed call because every page function we
// invoke returns a value; it is never retried.
var ErrUndefinedResult = errors.New("evaluation returned undefined")

// TransportError covers network, socket and timeout failures talking to
// the browser. These are the only retryable failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport error during %s", e.Op)
	}
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// JavaScriptError reports an exception thrown by in-page code. Never
// retried: the same code will throw again.
type JavaScriptError struct {
	Text       string
	LineNumber int
	StackTrace string
}

func (e *JavaScriptError) Error() string {
	if e.LineNumber > 0 {
		return fmt.Sprintf("javascript error at line %d: %s", e.LineNumber, e.Text)
	}
	return fmt.Sprintf("javascript error: %s", e.Text)
}

// TypeMismatchError reports a result whose DevTools type differs from the
// caller's expectation. Never retried.
type TypeMismatchError struct {
	Expected string
	Actual   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("result type mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// CircuitOpenError short-circuits a call whose (tab, op class) breaker is
// open. The caller may retry after RetryAfter.
type CircuitOpenError struct {
	Tab        string
	Class      OpClass
	Reason     string
	OpenedAt   time.Time
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s/%s: %s (retry after %s)",
		e.Tab, e.Class, e.Reason, e.RetryAfter)
}

// IsRetryable reports whether an error may be retried under the backoff
// policy. Only transport failures qualify; javascript errors, undefined
// results, type mismatches and open circuits are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	return errors.As(err, &te)
}
