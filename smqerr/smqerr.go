// Package smqerr defines the error taxonomy shared by every layer of the
// inference engine (spec.md §7). Kernels never return one of these;
// failure modes only exist above the kernel layer.
package smqerr

import "fmt"

// Kind is a machine-readable error classification. Every Error carries
// exactly one Kind so callers can switch on recoverability without
// string matching.
type Kind string

const (
	// KindBadMagic means the weight file header magic did not match
	// "SMQv0001". Fatal at load.
	KindBadMagic Kind = "bad_magic"
	// KindBadVersion means the format version field was not 1. Fatal at load.
	KindBadVersion Kind = "bad_version"
	// KindBadSize means a declared tensor data/aux length didn't match
	// what the scheme and shape compute to. Fatal at load.
	KindBadSize Kind = "bad_size"
	// KindOverlap means two tensor payload regions overlap in the file.
	// Fatal at load.
	KindOverlap Kind = "overlap"
	// KindConfig means session construction was asked for something the
	// engine can't satisfy (workspace too small, unsupported scheme).
	// Fatal at construction.
	KindConfig Kind = "config"
	// KindInputTooLong means the prompt exceeded max_input_tokens or
	// max_context_tokens and truncate_input_on_overflow was false.
	// Caller-recoverable.
	KindInputTooLong Kind = "input_too_long"
	// KindContextFull means the KV cache could not accept the next
	// append without exceeding max_context_tokens/T_max.
	KindContextFull Kind = "context_full"
	// KindDeadlineExceeded means the wall-clock budget checkpoint fired.
	KindDeadlineExceeded Kind = "deadline_exceeded"
	// KindCancelled means the cooperative cancellation flag was observed set.
	KindCancelled Kind = "cancelled"
	// KindKvBudgetExceeded means an optional upper-layer global KV byte
	// budget (session.Pool.Admit) refused to admit a session's cache.
	KindKvBudgetExceeded Kind = "kv_budget_exceeded"
	// KindRuntime is a catch-all for errors that don't fit the above,
	// e.g. a tokenizer round-trip failure surfaced through the session.
	KindRuntime Kind = "runtime"
)

// Error is the concrete error type returned across package boundaries.
// SessionID is empty for load/construction errors, which precede any
// session existing.
type Error struct {
	Kind      Kind
	SessionID string
	TensorName string // set only for loader errors naming the offending tensor
	msg       string
	cause     error
}

func (e *Error) Error() string {
	switch {
	case e.TensorName != "":
		return fmt.Sprintf("%s: %s (tensor %q): %v", e.Kind, e.msg, e.TensorName, e.cause)
	case e.SessionID != "":
		return fmt.Sprintf("%s: %s (session %s): %v", e.Kind, e.msg, e.SessionID, e.cause)
	default:
		if e.cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// Wrap builds an Error wrapping cause, following the teacher's
// fmt.Errorf("...: %w", err) idiom but keeping the Kind queryable.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, msg: msg, cause: cause}
}

// WithSession attaches a session id, returning the same *Error for chaining.
func (e *Error) WithSession(id string) *Error {
	e.SessionID = id
	return e
}

// WithTensor attaches the offending tensor name, returning the same
// *Error for chaining (loader validation failures name the tensor per
// spec.md §6).
func (e *Error) WithTensor(name string) *Error {
	e.TensorName = name
	return e
}

// Is reports whether err, or an error it wraps, is an *Error of the
// given kind. errors.Is(err, smqerr.KindContextFull) does not compile
// (Kind is not an error), so callers use this helper instead.
func Is(err error, kind Kind) bool {
	var e *Error
	if ae, ok := err.(*Error); ok {
		e = ae
	} else if u, ok := err.(interface{ Unwrap() error }); ok {
		return Is(u.Unwrap(), kind)
	} else {
		return false
	}
	return e.Kind == kind
}
