package usecase

import (
	"errors"
	"fmt"
)

// Code classifies a usecase failure for the transport layer.
type Code string

const (
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeForbidden       Code = "FORBIDDEN"
	CodeInvalidInput    Code = "INVALID_INPUT"
	CodeConflict        Code = "CONFLICT"
	CodeUpstream        Code = "UPSTREAM_ERROR"
	CodeInternal        Code = "INTERNAL_ERROR"
)

// Error is returned by every InterviewService operation that fails.
type Error struct {
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(code Code, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf reports the code of err, INTERNAL_ERROR for anything unclassified.
func CodeOf(err error) Code {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return CodeInternal
}
