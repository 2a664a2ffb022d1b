package invalidation

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes invalidation errors.
type ErrorCode string

const (
	// ErrCodeInvalidTransition indicates a terminal write on a record that is not
	// InProgress for the caller. Signals a bug or a race; never expected in correct operation.
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// ErrCodeClaimConflict indicates another caller won the claim on a record.
	// ClaimNext retries these internally; they are not returned to its callers.
	ErrCodeClaimConflict ErrorCode = "CLAIM_CONFLICT"

	// ErrCodeRunnerFailure indicates the report computation failed.
	ErrCodeRunnerFailure ErrorCode = "RUNNER_FAILURE"

	// ErrCodeStoreUnavailable indicates the store could not be reached or kept failing.
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"

	// ErrCodeNotFound indicates no invalidation has the requested id.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
)

// Error is an invalidation-layer error.
type Error struct {
	Code           ErrorCode
	Message        string
	InvalidationID int64
	Err            error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.InvalidationID != 0 {
		msg = fmt.Sprintf("%s (invalidation=%d)", msg, e.InvalidationID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsInvalidTransition returns true if err is an InvalidTransition error.
func IsInvalidTransition(err error) bool {
	return hasCode(err, ErrCodeInvalidTransition)
}

// IsStoreUnavailable returns true if err is a StoreUnavailable error.
func IsStoreUnavailable(err error) bool {
	return hasCode(err, ErrCodeStoreUnavailable)
}

// IsRunnerFailure returns true if err is a RunnerFailure error.
func IsRunnerFailure(err error) bool {
	return hasCode(err, ErrCodeRunnerFailure)
}

// IsNotFound returns true if err is a NotFound error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// NewInvalidTransitionError creates an InvalidTransition error for a terminal write.
func NewInvalidTransitionError(id int64, target Status) *Error {
	return &Error{
		Code:           ErrCodeInvalidTransition,
		Message:        fmt.Sprintf("cannot move to %s: record is not in progress for this process", target),
		InvalidationID: id,
	}
}

// NewRunnerFailure wraps a report computation failure.
func NewRunnerFailure(id int64, err error) *Error {
	return &Error{
		Code:           ErrCodeRunnerFailure,
		Message:        "report computation failed",
		InvalidationID: id,
		Err:            err,
	}
}

// NewStoreUnavailable wraps an infrastructure failure of operation op.
func NewStoreUnavailable(op string, err error) *Error {
	return &Error{
		Code:    ErrCodeStoreUnavailable,
		Message: op,
		Err:     err,
	}
}

func newClaimConflict(id int64) *Error {
	return &Error{
		Code:           ErrCodeClaimConflict,
		Message:        "record claimed by another caller",
		InvalidationID: id,
	}
}
