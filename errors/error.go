package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// Kind groups errors by how callers are expected to react to them.
type Kind int

const (
	KindOther Kind = iota
	// KindValidation marks bad input to a store or client call. Never retried.
	KindValidation
	// KindAmqp marks a failure raised by the transport. Whether it is
	// transient is decided by a classifier inspecting Cause.
	KindAmqp
	// KindCancelled marks a caller-requested abort.
	KindCancelled
	// KindUnsupported marks an operation the receiver refuses to perform.
	KindUnsupported
	// KindClosed marks use of a component after Close.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAmqp:
		return "amqp"
	case KindCancelled:
		return "cancelled"
	case KindUnsupported:
		return "unsupported"
	case KindClosed:
		return "closed"
	default:
		return "other"
	}
}

type Error struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	Cause      error  // the underlying error
	Details    any    `json:"details,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

func NewError(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

func (e *Error) WithStatusCode(statusCode int) *Error {
	e.StatusCode = statusCode
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Message != e.Cause.Error() {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) GetKind() Kind {
	return e.Kind
}

func (e *Error) GetMessage() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) GetDetails() any {
	return e.Details
}

func (e *Error) GetStatusCode() int {
	return e.StatusCode
}

func Validation(message string) *Error {
	return NewError(KindValidation, message, nil)
}

func Validationf(format string, args ...any) *Error {
	return NewError(KindValidation, fmt.Sprintf(format, args...), nil)
}

func Unsupported(operation string) *Error {
	return NewError(KindUnsupported, operation+" is not supported", nil)
}

// Cancelled wraps a context error so that errors.Is(err, context.Canceled)
// keeps working for callers.
func Cancelled(cause error) *Error {
	if cause == nil {
		cause = context.Canceled
	}
	return NewError(KindCancelled, "operation cancelled", cause)
}

// Amqp tags a transport failure. An error that is already tagged is returned
// unchanged.
func Amqp(cause error) error {
	if cause == nil {
		return nil
	}
	var tagged *Error
	if stderrors.As(cause, &tagged) {
		return cause
	}
	if stderrors.Is(cause, context.Canceled) || stderrors.Is(cause, context.DeadlineExceeded) {
		return Cancelled(cause)
	}
	return NewError(KindAmqp, cause.Error(), cause)
}

func Closed(component string) *Error {
	return NewError(KindClosed, component+" is closed", nil)
}

// KindOf returns the kind of the outermost tagged error in the chain, or
// KindOther when err carries no tag.
func KindOf(err error) Kind {
	var tagged *Error
	if stderrors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindOther
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
