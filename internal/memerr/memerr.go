// Package memerr defines the error taxonomy surfaced through tool responses.
// Every failure a consumer can observe maps to exactly one Kind; transports
// serialize the kind as error_type and never leak Go error chains.
package memerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a stable error category. Values are wire-visible.
type Kind string

const (
	KindValidation            Kind = "ValidationError"
	KindEmbeddingUnavailable  Kind = "EmbeddingUnavailable"
	KindCompletionUnavailable Kind = "CompletionUnavailable"
	KindStoreUnavailable      Kind = "StoreUnavailable"
	KindDimensionMismatch     Kind = "DimensionMismatch"
	KindOptimizationSkipped   Kind = "IndexOptimizationSkipped"
	KindSubscriptionOverflow  Kind = "SubscriptionOverflow"
	KindExternalTimeout       Kind = "ExternalTimeout"
	KindInternal              Kind = "Internal"
)

// Error carries a Kind plus the operation that failed. Op is a short
// "package.Method" tag for log correlation, not a user-facing message.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind and operation to an existing error. A nil err returns
// nil so call sites can wrap unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf is Wrap with a formatted annotation prefixed onto the cause. The
// cause stays on the unwrap chain.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format+": %w", append(args, err)...)}
}

// KindOf walks the wrapped chain and returns the outermost Kind. Context
// deadline errors map to ExternalTimeout; everything unclassified is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindExternalTimeout
	}
	return KindInternal
}

// IsKind reports whether err (or anything it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
