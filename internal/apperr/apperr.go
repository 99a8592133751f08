// Package apperr classifies domain rejections so transports can map them
// without knowing every sentinel.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the category of a rejection.
type Kind int

const (
	KindInvalidArgument Kind = iota
	KindFailedPrecondition
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "INVALID_ARGUMENT"
	case KindFailedPrecondition:
		return "FAILED_PRECONDITION"
	case KindNotFound:
		return "NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}

// Error is a non-retryable rejection of a request. Retrying the same
// request yields the same rejection.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func InvalidArgument(msg string) *Error { return &Error{Kind: KindInvalidArgument, Message: msg} }

func FailedPrecondition(msg string) *Error { return &Error{Kind: KindFailedPrecondition, Message: msg} }

func NotFound(msg string) *Error { return &Error{Kind: KindNotFound, Message: msg} }

// Wrap annotates a sentinel with detail while keeping errors.Is/As working.
func Wrap(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsRejection reports whether err is a domain rejection rather than an
// infrastructure failure.
func IsRejection(err error) bool {
	_, ok := KindOf(err)
	return ok
}
