package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a fork engine error. The classification is a contract:
// callers decide retry behavior from the kind, never from message text.
type Kind string

const (
	// KindTransport marks upstream connectivity failures (unreachable,
	// timeout, dropped connection). Retryable with backoff.
	KindTransport Kind = "transport_failure"

	// KindProtocolIncompatible marks a remote endpoint that does not
	// support a required call shape. Never retried; surfaced immediately.
	KindProtocolIncompatible Kind = "protocol_incompatible"

	// KindInvariantViolation marks a programming/caller error such as a
	// block append with a mismatched parent hash or an overlapping
	// overlay validity window. The failed operation leaves prior state
	// untouched.
	KindInvariantViolation Kind = "invariant_violation"

	// KindNotFound marks an absent block or header looked up by hash.
	// Storage reads never use it (absence is an explicit value there).
	KindNotFound Kind = "not_found"

	// KindClosed marks operations against a fork that has been torn down.
	KindClosed Kind = "fork_closed"

	// KindInternal is the catch-all for cache/store faults.
	KindInternal Kind = "internal_error"
)

// ForkError is the tagged error type crossing the fork engine's package
// boundaries.
type ForkError struct {
	Kind Kind
	// Op names the failing operation, e.g. "remote.state_getStorage" or
	// "store.block.append".
	Op string
	// Detail carries context for debugging: the endpoint for remote
	// errors, the conflicting keys/hashes for invariant violations.
	Detail string
	Err    error
}

func (e *ForkError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Op)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ForkError) Unwrap() error {
	return e.Err
}

// New creates a ForkError with the given kind and operation.
func New(kind Kind, op, detail string) error {
	return &ForkError{Kind: kind, Op: op, Detail: detail}
}

// Newf is New with a formatted detail string.
func Newf(kind Kind, op, format string, args ...interface{}) error {
	return &ForkError{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a kind and operation. A nil err
// yields nil so call sites can wrap unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ForkError{Kind: kind, Op: op, Err: err}
}

// Wrapf is Wrap with a formatted detail string.
func Wrapf(kind Kind, op string, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &ForkError{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of an error, unwrapping as needed. Errors that
// did not originate in this engine report KindInternal.
func KindOf(err error) Kind {
	var fe *ForkError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *ForkError
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// Retryable reports whether the operation that produced err may be retried.
// Only transport failures qualify.
func Retryable(err error) bool {
	return IsKind(err, KindTransport)
}
