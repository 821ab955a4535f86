package sheets

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"
)

type FetchErrorKind string

const (
	Transient FetchErrorKind = "transient"
	Permanent FetchErrorKind = "permanent"
)

// Fetch failure reasons.
const (
	ReasonAuth          = "auth"
	ReasonNotFound      = "not_found"
	ReasonMissingPage   = "missing_page"
	ReasonConfig        = "config"
	ReasonDuplicateKeys = "duplicate_keys"
	ReasonRateLimited   = "rate_limited"
	ReasonUnavailable   = "unavailable"
	ReasonTimeout       = "timeout"
	ReasonNetwork       = "network"
	ReasonCircuitOpen   = "circuit_open"
)

// FetchError is returned by every Client. Transient errors are worth
// retrying, permanent ones need an operator.
type FetchError struct {
	Kind     FetchErrorKind
	Reason   string
	SourceID string
	Err      error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s fetch error for %s: %s", e.Kind, e.SourceID, e.Reason)
	}
	return fmt.Sprintf("%s fetch error for %s: %s: %v", e.Kind, e.SourceID, e.Reason, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) IsRetryable() bool {
	return e.Kind == Transient
}

func (e *FetchError) IsFatal() bool {
	return e.Kind == Permanent
}

func NewTransientError(sourceID, reason string, err error) *FetchError {
	return &FetchError{Kind: Transient, Reason: reason, SourceID: sourceID, Err: err}
}

func NewPermanentError(sourceID, reason string, err error) *FetchError {
	return &FetchError{Kind: Permanent, Reason: reason, SourceID: sourceID, Err: err}
}

// IsPermanent reports whether err is a permanent FetchError.
func IsPermanent(err error) bool {
	var fetchErr *FetchError
	return errors.As(err, &fetchErr) && fetchErr.Kind == Permanent
}

// AsFetchError returns err as a FetchError, classifying it if needed.
func AsFetchError(sourceID string, err error) *FetchError {
	if err == nil {
		return nil
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr
	}
	return classify(sourceID, err)
}

func classify(sourceID string, err error) *FetchError {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusBadRequest:
			// The API answers 400 "Unable to parse range" for a page that does not exist.
			return NewPermanentError(sourceID, ReasonMissingPage, err)
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return NewPermanentError(sourceID, ReasonAuth, err)
		case apiErr.Code == http.StatusNotFound:
			return NewPermanentError(sourceID, ReasonNotFound, err)
		case apiErr.Code == http.StatusTooManyRequests:
			return NewTransientError(sourceID, ReasonRateLimited, err)
		case apiErr.Code >= http.StatusInternalServerError:
			return NewTransientError(sourceID, ReasonUnavailable, err)
		default:
			return NewPermanentError(sourceID, ReasonConfig, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError(sourceID, ReasonTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewTransientError(sourceID, ReasonTimeout, err)
		}
		return NewTransientError(sourceID, ReasonNetwork, err)
	}

	return NewTransientError(sourceID, ReasonNetwork, err)
}
