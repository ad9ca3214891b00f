package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed set of outcomes the waitlist core reports to callers
type ErrorKind string

const (
	KindRateLimited         ErrorKind = "RATE_LIMITED"
	KindAlreadyClaimed      ErrorKind = "ALREADY_CLAIMED"
	KindResourceUnavailable ErrorKind = "RESOURCE_UNAVAILABLE"
	KindNotFound            ErrorKind = "NOT_FOUND"
	KindForbidden           ErrorKind = "FORBIDDEN"
	KindOfferExpired        ErrorKind = "OFFER_EXPIRED"
	KindOfferNotActive      ErrorKind = "OFFER_NOT_ACTIVE"
	KindCapacityExceeded    ErrorKind = "CAPACITY_EXCEEDED"
	KindRefundFailed        ErrorKind = "REFUND_FAILED"
	KindInvalidArgument     ErrorKind = "INVALID_ARGUMENT"

	// KindDuplicateConfirmation is never returned as an error; a repeated
	// payment confirmation yields the existing grant with Duplicate set.
	KindDuplicateConfirmation ErrorKind = "DUPLICATE_CONFIRMATION"
)

// Error is a typed domain failure. Two errors match under errors.Is when
// their kinds match, so callers compare against the Err* values below.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// Errorf builds an Error of kind with a contextual message
func Errorf(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrRateLimited         = &Error{Kind: KindRateLimited, Message: "too many join attempts, try again later"}
	ErrAlreadyClaimed      = &Error{Kind: KindAlreadyClaimed, Message: "requester already holds a claim on this resource"}
	ErrResourceUnavailable = &Error{Kind: KindResourceUnavailable, Message: "resource is cancelled or no longer accepting requests"}
	ErrNotFound            = &Error{Kind: KindNotFound, Message: "not found"}
	ErrForbidden           = &Error{Kind: KindForbidden, Message: "caller does not own this record"}
	ErrOfferExpired        = &Error{Kind: KindOfferExpired, Message: "offer has expired"}
	ErrOfferNotActive      = &Error{Kind: KindOfferNotActive, Message: "entry does not hold an active offer"}
	ErrCapacityExceeded    = &Error{Kind: KindCapacityExceeded, Message: "capacity exceeded"}
	ErrRefundFailed        = &Error{Kind: KindRefundFailed, Message: "one or more refunds failed"}
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument, Message: "invalid argument"}
)

// RefundFailedError reports a cascade that was aborted because at least one
// refund failed. Grants in the failing round are left untouched. Grants
// refunded and marked in earlier rounds of the same run are listed in
// RefundedGrantIDs; they stay REFUNDED and a retry skips them.
type RefundFailedError struct {
	ResourceID       string
	FailedGrantIDs   []string
	RefundedGrantIDs []string
	Causes           map[string]error
}

func (e *RefundFailedError) Error() string {
	return fmt.Sprintf("refund failed for %d grant(s) of resource %s: %s",
		len(e.FailedGrantIDs), e.ResourceID, strings.Join(e.FailedGrantIDs, ", "))
}

func (e *RefundFailedError) Is(target error) bool {
	return target == ErrRefundFailed
}

// KindOf returns the kind of a domain error, or "" for infrastructure errors
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, ErrRefundFailed) {
		return KindRefundFailed
	}
	return ""
}

// IsValidationError reports outcomes returned to the caller as-is and never retried
func IsValidationError(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindAlreadyClaimed, KindResourceUnavailable, KindForbidden,
		KindOfferExpired, KindOfferNotActive, KindInvalidArgument:
		return true
	}
	return false
}

// IsNotFoundError checks if error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflictError checks if error is a conflict with existing state
func IsConflictError(err error) bool {
	return errors.Is(err, ErrAlreadyClaimed) ||
		errors.Is(err, ErrOfferNotActive) ||
		errors.Is(err, ErrCapacityExceeded)
}

// IsExpiredError checks if error is an expiry-related error
func IsExpiredError(err error) bool {
	return errors.Is(err, ErrOfferExpired) || errors.Is(err, ErrResourceUnavailable)
}
