package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrKeyBlocked          = errors.New("api key blocked")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrTrialExpired        = errors.New("trial expired")
	ErrRateLimited         = errors.New("rate limited")
	ErrPlanLimit           = errors.New("plan limit exceeded")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrBadRequest          = errors.New("bad request")
	ErrProviderError       = errors.New("provider error")
)

// ErrorKind classifies an upstream failure for failover decisions.
type ErrorKind string

const (
	KindAuth       ErrorKind = "auth"
	KindRateLimit  ErrorKind = "rate_limit"
	KindBadGateway ErrorKind = "bad_gateway"
	KindNotFound   ErrorKind = "not_found"
	KindTimeout    ErrorKind = "timeout"
	KindValidation ErrorKind = "validation"
	KindUnknown    ErrorKind = "unknown"
)

// UpstreamError represents a failure from an upstream provider. The Kind and
// Retryable fields drive failover: auth, validation, and not_found abort the
// chain; rate_limit skips to the next candidate; retryable kinds back off
// and advance.
type UpstreamError struct {
	Gateway    string
	Kind       ErrorKind
	HTTPStatus int
	Retryable  bool
	Body       string
}

// Error returns a formatted error string including gateway, kind, and status.
func (e *UpstreamError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Gateway, e.Kind, e.HTTPStatus, e.Body)
	}
	return fmt.Sprintf("%s: %s: %s", e.Gateway, e.Kind, e.Body)
}

// ClassifyStatus maps an upstream HTTP status code to an error kind and
// retryability. 502/503/504 are retryable; everything else is terminal or
// skip-to-next per the failover rules.
func ClassifyStatus(status int) (ErrorKind, bool) {
	switch {
	case status == 401 || status == 403:
		return KindAuth, false
	case status == 404:
		return KindNotFound, false
	case status == 408 || status == 504:
		return KindTimeout, true
	case status == 429:
		return KindRateLimit, false
	case status == 502 || status == 503:
		return KindBadGateway, true
	case status >= 400 && status < 500:
		return KindValidation, false
	case status >= 500:
		return KindUnknown, true
	default:
		return KindUnknown, false
	}
}

// NewUpstreamError builds an UpstreamError from an HTTP status and body,
// classifying kind and retryability from the status code.
func NewUpstreamError(gw string, status int, body string) *UpstreamError {
	kind, retryable := ClassifyStatus(status)
	return &UpstreamError{
		Gateway:    gw,
		Kind:       kind,
		HTTPStatus: status,
		Retryable:  retryable,
		Body:       body,
	}
}
