package queue

import (
	"errors"
	"fmt"

	"enrichment-scheduler/internal/store"
)

// Code classifies queue errors for callers that need to map them, such as the HTTP API.
type Code string

const (
	CodeNotFound        Code = "NOT_FOUND"
	CodeNotInProgress   Code = "NOT_IN_PROGRESS"
	CodeLeaseLost       Code = "LEASE_LOST"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeInternal        Code = "INTERNAL"
)

// Error is a classified queue error. The package sentinels are *Error values,
// so errors.Is matches them through any amount of wrapping.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

var (
	ErrNotFound        = &Error{Code: CodeNotFound, Message: "job not found"}
	ErrNotInProgress   = &Error{Code: CodeNotInProgress, Message: "job is not in progress"}
	ErrLeaseLost       = &Error{Code: CodeLeaseLost, Message: "lease token does not match the current lease"}
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
)

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code
	}
	return CodeInternal
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// storeErr translates store lookups into queue errors, leaving I/O errors as they are.
func storeErr(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}
