package retry

import (
	"errors"
	"strings"
	"time"
)

// RecoverableError marks a handler failure that must be retried regardless of
// the strategy's verdict. An optional delay overrides the strategy's waiting
// time.
type RecoverableError struct {
	Err      error
	delay    time.Duration
	hasDelay bool
}

// Recoverable wraps err so the message is always retried.
func Recoverable(err error) *RecoverableError {
	return &RecoverableError{Err: err}
}

// RecoverableAfter wraps err so the message is retried after delay.
func RecoverableAfter(err error, delay time.Duration) *RecoverableError {
	return &RecoverableError{Err: err, delay: delay, hasDelay: true}
}

func (e *RecoverableError) Error() string { return e.Err.Error() }

func (e *RecoverableError) Unwrap() error { return e.Err }

// RetryDelay returns the requested delay, if any.
func (e *RecoverableError) RetryDelay() (time.Duration, bool) { return e.delay, e.hasDelay }

// UnrecoverableError marks a handler failure that must never be retried.
type UnrecoverableError struct {
	Err error
}

// Unrecoverable wraps err so the message is not retried.
func Unrecoverable(err error) *UnrecoverableError {
	return &UnrecoverableError{Err: err}
}

func (e *UnrecoverableError) Error() string { return e.Err.Error() }

func (e *UnrecoverableError) Unwrap() error { return e.Err }

// HandlerFailedError aggregates the failures of every handler that ran for a
// message.
type HandlerFailedError struct {
	Errs []error
}

// NewHandlerFailedError drops nil errors and returns nil when none remain.
func NewHandlerFailedError(errs ...error) error {
	var kept []error
	for _, err := range errs {
		if err != nil {
			kept = append(kept, err)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return &HandlerFailedError{Errs: kept}
}

func (e *HandlerFailedError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	if len(msgs) == 1 {
		return "handling message failed: " + msgs[0]
	}
	return "handling message failed: " + strings.Join(msgs, "; ")
}

func (e *HandlerFailedError) Unwrap() []error { return e.Errs }

// Leaves flattens err through every multi-error (HandlerFailedError,
// errors.Join) and returns the non-composite errors in order.
func Leaves(err error) []error {
	if err == nil {
		return nil
	}
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, child := range multi.Unwrap() {
			out = append(out, Leaves(child)...)
		}
		return out
	}
	return []error{err}
}

// Verdict is the outcome of classifying a handler error.
type Verdict int

const (
	// AskStrategy leaves the decision to the retry strategy.
	AskStrategy Verdict = iota
	// Retry forces a retry.
	Retry
	// GiveUp forbids a retry.
	GiveUp
)

func (v Verdict) String() string {
	switch v {
	case Retry:
		return "retry"
	case GiveUp:
		return "give_up"
	default:
		return "ask_strategy"
	}
}

// Classify inspects every leaf of err. Any recoverable leaf forces a retry,
// and the smallest delay carried by recoverable leaves is returned as the
// override. When every leaf is unrecoverable the message is given up.
// Otherwise the strategy decides.
func Classify(err error) (verdict Verdict, delay time.Duration, hasDelay bool) {
	leaves := Leaves(err)
	recoverable, unrecoverable := 0, 0
	for _, leaf := range leaves {
		var rec *RecoverableError
		if errors.As(leaf, &rec) {
			recoverable++
			if d, ok := rec.RetryDelay(); ok && (!hasDelay || d < delay) {
				delay, hasDelay = d, true
			}
			continue
		}
		var unrec *UnrecoverableError
		if errors.As(leaf, &unrec) {
			unrecoverable++
		}
	}
	switch {
	case recoverable > 0:
		return Retry, delay, hasDelay
	case len(leaves) > 0 && unrecoverable == len(leaves):
		return GiveUp, 0, false
	default:
		return AskStrategy, 0, false
	}
}
