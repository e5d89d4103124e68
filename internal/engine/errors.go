package engine

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the machine-readable reason a lifecycle call was rejected.
type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeNotPending       Code = "NOT_PENDING"
	CodeExpired          Code = "EXPIRED"
	CodeNotYetExpired    Code = "NOT_YET_EXPIRED"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeInvalidAmount    Code = "INVALID_AMOUNT"
	CodeDurationExceeded Code = "DURATION_EXCEEDED"
	CodeSelfPayment      Code = "SELF_PAYMENT"
	CodeInvalidRecipient Code = "INVALID_RECIPIENT"
	CodeEmptyMemo        Code = "EMPTY_MEMO"
	CodeMemoTooLong      Code = "MEMO_TOO_LONG"
	CodeIndexFull        Code = "INDEX_FULL"
	CodeTransferFailed   Code = "TRANSFER_FAILED"
	CodePaused           Code = "PAUSED"
	CodeBatchTooLarge    Code = "BATCH_TOO_LARGE"
)

func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeNotPending, CodeExpired, CodeNotYetExpired:
		return http.StatusConflict
	case CodeInvalidAmount, CodeDurationExceeded, CodeSelfPayment, CodeInvalidRecipient, CodeEmptyMemo, CodeMemoTooLong, CodeBatchTooLarge:
		return http.StatusBadRequest
	case CodeIndexFull:
		return http.StatusUnprocessableEntity
	case CodeTransferFailed:
		return http.StatusBadGateway
	case CodePaused:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

// Error is a rejected call. Nothing was written when one is returned.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error carrying the same code, so errors.Is(err, ErrNotPending) works
// regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func (e *Error) HTTPStatus() int { return e.Code.HTTPStatus() }

var (
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "tag not found"}
	ErrNotPending       = &Error{Code: CodeNotPending, Message: "tag is not pending"}
	ErrExpired          = &Error{Code: CodeExpired, Message: "tag has expired"}
	ErrNotYetExpired    = &Error{Code: CodeNotYetExpired, Message: "tag has not expired yet"}
	ErrUnauthorized     = &Error{Code: CodeUnauthorized, Message: "caller is not authorized"}
	ErrInvalidAmount    = &Error{Code: CodeInvalidAmount, Message: "amount below minimum"}
	ErrDurationExceeded = &Error{Code: CodeDurationExceeded, Message: "duration out of range"}
	ErrSelfPayment      = &Error{Code: CodeSelfPayment, Message: "creator and recipient must differ"}
	ErrEmptyMemo        = &Error{Code: CodeEmptyMemo, Message: "memo must not be empty"}
	ErrMemoTooLong      = &Error{Code: CodeMemoTooLong, Message: "memo too long"}
	ErrIndexFull        = &Error{Code: CodeIndexFull, Message: "party index full"}
	ErrTransferFailed   = &Error{Code: CodeTransferFailed, Message: "transfer failed"}
	ErrPaused           = &Error{Code: CodePaused, Message: "registry is paused"}
	ErrBatchTooLarge    = &Error{Code: CodeBatchTooLarge, Message: "too many ids requested"}
)

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// CodeOf extracts the code from err, or "" when err is not a lifecycle rejection.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
