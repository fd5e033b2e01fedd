package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"

	"gorm.io/gorm"
)

// ErrorKind buckets every failure the core can surface. Only
// KindTransient is ever retried.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindNotFound
	KindConflict
	KindTransient
	KindPermission
	// KindInternal is the catch-all for unrecognized terminal failures.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not-found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindPermission:
		return "permission"
	default:
		return "internal"
	}
}

const (
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// AppError is a classified failure: a kind the caller can switch on
// exhaustively, plus the user-facing pieces every surfaced error carries.
type AppError struct {
	Kind    ErrorKind
	Code    string
	Title   string
	Message string
	Actions []string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) Retryable() bool {
	return e.Kind == KindTransient
}

func (e *AppError) Severity() string {
	if e.Retryable() {
		return SeverityWarning
	}
	return SeverityError
}

func NewValidationError(code, message string) *AppError {
	return &AppError{
		Kind:    KindValidation,
		Code:    code,
		Title:   "Invalid input",
		Message: message,
		Actions: []string{"Check the submitted values and try again"},
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Kind:    KindNotFound,
		Code:    "not_found",
		Title:   "Not found",
		Message: fmt.Sprintf("%v could not be found", resource),
		Actions: []string{"Verify the identifier and try again"},
	}
}

func NewConflictError(code, message string) *AppError {
	return &AppError{
		Kind:    KindConflict,
		Code:    code,
		Title:   "Conflict",
		Message: message,
		Actions: []string{"Refresh the current state and try again"},
	}
}

func NewTransientError(err error) *AppError {
	return &AppError{
		Kind:    KindTransient,
		Code:    "connection_failed",
		Title:   "Connection trouble",
		Message: "We couldn't reach the server. Your request will be retried.",
		Actions: []string{"Check your connection", "Try again shortly"},
		Err:     err,
	}
}

func NewPermissionError(message string) *AppError {
	return &AppError{
		Kind:    KindPermission,
		Code:    "permission_denied",
		Title:   "Permission denied",
		Message: message,
		Actions: []string{"Sign in again"},
	}
}

func newInternalError(err error) *AppError {
	return &AppError{
		Kind:    KindInternal,
		Code:    "unknown",
		Title:   "Something went wrong",
		Message: "Sorry, an unexpected error occurred. Please try again later.",
		Actions: []string{"Try again later"},
		Err:     err,
	}
}

// transientPatterns are matched against unrecognized error text. Unknown
// failures are only treated as retryable when they look like
// network/timeout trouble; anything else fails safe toward terminal,
// since the wrapped operation may not be idempotent.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"service unavailable",
	"network is unreachable",
	"no such host",
	"database is locked",
	"database table is locked",
}

// Classify maps a raw failure to an AppError. Already-classified errors
// pass through untouched.
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NewNotFoundError("the requested record")
	}

	if errors.Is(err, gorm.ErrInvalidData) || errors.Is(err, gorm.ErrInvalidValue) {
		return NewValidationError("invalid_data", err.Error())
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return NewTransientError(err)
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ETIMEDOUT) {
		return NewTransientError(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTransientError(err)
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return NewTransientError(err)
		}
	}

	if strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate") {
		return NewConflictError("duplicate_record", "A matching record already exists.")
	}

	return newInternalError(err)
}

// ClassifyStatusCode maps an HTTP response status to an AppError, for
// callers talking to remote collaborators.
func ClassifyStatusCode(status int, err error) *AppError {
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return NewValidationError("bad_request", "The server rejected the request payload.")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewPermissionError("You are not allowed to perform this action.")
	case status == http.StatusNotFound:
		return NewNotFoundError("the requested resource")
	case status == http.StatusConflict:
		return NewConflictError("conflict", "The resource was modified by someone else.")
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return NewTransientError(err)
	default:
		return newInternalError(err)
	}
}
