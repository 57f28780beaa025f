package apperrors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeNotFound            Code = "NOT_FOUND"
	CodeForbidden           Code = "FORBIDDEN"
	CodeStateConflict       Code = "STATE_CONFLICT"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeConcurrency         Code = "CONCURRENCY_CONFLICT"
	CodeDuplicate           Code = "DUPLICATE"
	CodeRetryable           Code = "RETRYABLE"
	CodeInternal            Code = "INTERNAL_ERROR"
)

var httpStatusByCode = map[Code]int{
	CodeValidation:          http.StatusBadRequest,
	CodeNotFound:            http.StatusNotFound,
	CodeForbidden:           http.StatusForbidden,
	CodeStateConflict:       http.StatusUnprocessableEntity,
	CodeInsufficientBalance: http.StatusConflict,
	CodeConcurrency:         http.StatusConflict,
	CodeDuplicate:           http.StatusConflict,
	CodeRetryable:           http.StatusServiceUnavailable,
	CodeInternal:            http.StatusInternalServerError,
}

// HTTPStatus maps a code to the status the API layer responds with.
func HTTPStatus(code Code) int {
	if status, ok := httpStatusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type Error struct {
	code    Code
	message string
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As returns the first *Error in err's chain, or nil.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	for err != nil {
		var typed *Error
		if !stdErrors.As(err, &typed) {
			return false
		}
		if typed.code == code {
			return true
		}
		err = typed.cause
	}
	return false
}

func NotFound(entity string, key interface{}) *Error {
	return Newf(CodeNotFound, "%s not found: %v", entity, key)
}

func Conflict(entity string, key interface{}) *Error {
	return Newf(CodeConcurrency, "%s %v was modified concurrently", entity, key)
}
