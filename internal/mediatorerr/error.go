// Package mediatorerr codifies the error taxonomy every component reports
// against: transient/terminal external failures, input errors, adversarial
// detections, internal invariant violations, and fatal startup failures.
// Components never use sentinel returns or panics for control flow; they
// return a *Error with a Kind a caller can branch on.
package mediatorerr

import "fmt"

// Kind classifies a failure for the purposes of retry, logging severity, and
// propagation policy.
type Kind string

const (
	// KindTransientExternal covers ledger/LLM timeouts, network errors, 5xx
	// responses: retried with backoff, accumulated by the circuit breaker.
	KindTransientExternal Kind = "transient_external"
	// KindTerminalExternal covers 4xx responses and schema mismatches:
	// surfaced immediately, the offending item skipped for this cycle.
	KindTerminalExternal Kind = "terminal_external"
	// KindInput covers oversize or malformed intents failing validation.
	KindInput Kind = "input"
	// KindAdversarial covers detected prompt injection attempts.
	KindAdversarial Kind = "adversarial"
	// KindInvariant covers internal invariant violations (dimension
	// mismatch, duplicate settlement).
	KindInvariant Kind = "invariant"
	// KindFatal covers startup failures that should exit the process.
	KindFatal Kind = "fatal"
)

// Error is the typed failure value every component method reports.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient wraps err as a transient-external failure.
func Transient(op string, err error) *Error { return New(KindTransientExternal, op, err) }

// Terminal wraps err as a terminal-external failure.
func Terminal(op string, err error) *Error { return New(KindTerminalExternal, op, err) }

// Input wraps err as an input-validation failure.
func Input(op string, err error) *Error { return New(KindInput, op, err) }

// Adversarial wraps err as a detected-adversarial-input failure.
func Adversarial(op string, err error) *Error { return New(KindAdversarial, op, err) }

// Invariant wraps err as an internal invariant violation.
func Invariant(op string, err error) *Error { return New(KindInvariant, op, err) }

// Fatal wraps err as a fatal startup failure.
func Fatal(op string, err error) *Error { return New(KindFatal, op, err) }

// Retryable reports whether the Kind should be retried by a caller with a
// backoff policy.
func (k Kind) Retryable() bool {
	return k == KindTransientExternal
}

// As reports whether err is a *Error and returns it, so callers can branch on
// its Kind without importing errors.As boilerplate. Only err itself is
// checked; a *Error wrapped inside another error is not found.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	if me, ok := err.(*Error); ok {
		return me, true
	}
	return nil, false
}
