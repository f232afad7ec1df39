package chain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures for the resolver's error policy.
type ErrorKind uint8

const (
	// Transient failures (RPC timeouts, dropped connections) are retried
	// internally and only escape when the caller's deadline expires.
	Transient ErrorKind = iota

	// SubmitExhausted means the submission backoff schedule ran out. The
	// resolver marks the order NeedsAttention; the timeout sweep will
	// still attempt refund.
	SubmitExhausted

	// Decode means the chain returned structurally invalid data. The call
	// fails and the ingestor must not advance its cursor past the block.
	Decode

	// Fatal failures (unavailable key, invalid configuration) abort the
	// process before any event is handled.
	Fatal
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case SubmitExhausted:
		return "submitExhausted"
	case Decode:
		return "decode"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified adapter failure.
type Error struct {
	Kind  ErrorKind
	Chain string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", e.Chain, e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and the originating chain and operation.
func NewError(kind ErrorKind, chain, op string, err error) *Error {
	return &Error{Kind: kind, Chain: chain, Op: op, Err: err}
}

// KindOf extracts the error kind, defaulting to Transient for unclassified
// failures so callers err on the side of retrying.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Transient
}

// IsDecode reports whether err is a structural decode failure.
func IsDecode(err error) bool { return classified(err, Decode) }

// IsSubmitExhausted reports whether err is an exhausted submission.
func IsSubmitExhausted(err error) bool { return classified(err, SubmitExhausted) }

func classified(err error, kind ErrorKind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}
