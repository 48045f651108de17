package domain

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNotFound
	KindConflict
	KindForbidden
	KindValidation
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindValidation:
		return "validation"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Code is the gRPC code the kind is reported with at the service boundary.
func (k ErrorKind) Code() codes.Code {
	switch k {
	case KindNotFound:
		return codes.NotFound
	case KindConflict:
		return codes.FailedPrecondition
	case KindForbidden:
		return codes.PermissionDenied
	case KindValidation:
		return codes.InvalidArgument
	case KindUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// Error is a typed failure raised by the cart, order and payment engines.
// Message is safe to show to a caller; Err is kept for logs only.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// GRPCStatus lets status.FromError translate the error without a lookup table.
func (e *Error) GRPCStatus() *status.Status {
	msg := e.Message
	if e.Kind == KindInternal {
		msg = "internal server error"
	}
	return status.New(e.Kind.Code(), msg)
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Unavailable(err error, format string, args ...any) *Error {
	return &Error{Kind: KindUnavailable, Message: fmt.Sprintf(format, args...), Err: err}
}

func Internal(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of a domain error anywhere in err's chain.
// Errors that are not domain errors are KindInternal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsBusiness reports whether err is a caller-recoverable domain error that must not be retried.
func IsBusiness(err error) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	return de.Kind != KindInternal && de.Kind != KindUnavailable
}

// StatusOf returns the status reported to callers for err. Wrapping context is
// dropped from the message, so only the domain message is exposed.
func StatusOf(err error) *status.Status {
	var de *Error
	if errors.As(err, &de) {
		return de.GRPCStatus()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.New(codes.DeadlineExceeded, "request timed out")
	}
	if st, ok := status.FromError(err); ok {
		return st
	}
	return status.New(codes.Internal, "internal server error")
}
