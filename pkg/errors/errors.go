package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Generic failures surfaced by the HTTP layer.
var (
	ErrValidation         = NewError("VALIDATION_ERROR", "validation failed", http.StatusBadRequest)
	ErrInternal           = NewError("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
	ErrServiceUnavailable = NewError("SERVICE_UNAVAILABLE", "service unavailable", http.StatusServiceUnavailable)
)

// Scheduler and snapshot store failures.
var (
	ErrUnknownSource     = NewError("UNKNOWN_SOURCE", "source is not configured", http.StatusNotFound)
	ErrSourcePoisoned    = NewError("SOURCE_POISONED", "source is poisoned and awaits acknowledgement", http.StatusConflict)
	ErrSourceNotPoisoned = NewError("SOURCE_NOT_POISONED", "source is not poisoned", http.StatusConflict)
	ErrStaleSnapshot     = NewError("STALE_SNAPSHOT", "snapshot is older than the accepted one", http.StatusConflict)
	ErrSchedulerClosed   = NewError("SCHEDULER_CLOSED", "scheduler is shut down", http.StatusServiceUnavailable)
)

// permanent lists codes a retry can never fix.
var permanent = map[string]bool{
	ErrValidation.Code:     true,
	ErrUnknownSource.Code:  true,
	ErrSourcePoisoned.Code: true,
	ErrStaleSnapshot.Code:  true,
}

type retryable interface{ IsRetryable() bool }

type fatal interface{ IsFatal() bool }

// Error is a coded failure with an HTTP status. The With* and As* methods
// return copies, so the package-level values stay untouched.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
	Cause   error

	retry *bool
}

func NewError(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, Status: status, Details: map[string]any{}}
}

func (e *Error) Error() string {
	msg := e.Message
	if override, ok := e.Details["message"].(string); ok && override != "" {
		msg = override
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Code, so errors.Is(err, ErrUnknownSource) holds for copies
// made with WithCause or WithDetail.
func (e *Error) Is(target error) bool {
	var t *Error
	return errors.As(target, &t) && e.Code == t.Code
}

// IsRetryable prefers an explicit AsRetryable/AsFatal mark, then whatever the
// cause says about itself, then the code.
func (e *Error) IsRetryable() bool {
	if e.retry != nil {
		return *e.retry
	}
	if e.Cause != nil {
		var r retryable
		if errors.As(e.Cause, &r) {
			return r.IsRetryable()
		}
		var f fatal
		if errors.As(e.Cause, &f) {
			return !f.IsFatal()
		}
	}
	return !permanent[e.Code]
}

func (e *Error) IsFatal() bool {
	if e.retry != nil {
		return !*e.retry
	}
	if e.Cause != nil {
		var f fatal
		if errors.As(e.Cause, &f) {
			return f.IsFatal()
		}
	}
	return permanent[e.Code]
}

func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

func (e *Error) WithDetail(key string, value any) *Error {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return e.WithDetails(details)
}

func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

func (e *Error) AsRetryable() *Error {
	return e.markRetry(true)
}

func (e *Error) AsFatal() *Error {
	return e.markRetry(false)
}

func (e *Error) markRetry(v bool) *Error {
	cp := *e
	cp.retry = &v
	return &cp
}

// IsFatal reports whether err, or anything it wraps, refuses a retry.
func IsFatal(err error) bool {
	var f fatal
	return errors.As(err, &f) && f.IsFatal()
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownSource)
}

func ToHTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// ToErrorResponse renders err as the JSON body of an API error. Foreign
// errors are reported as internal without leaking their text.
func ToErrorResponse(err error) map[string]any {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = ErrInternal.WithCause(err)
	}

	body := map[string]any{
		"error":      appErr.Message,
		"error_code": appErr.Code,
	}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}
	return body
}
