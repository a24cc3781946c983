package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error is the unified error interface returned by generation backends.
type Error interface {
	error
	Backend() string
	StatusCode() int
	Transient() bool
	RetryAfter() *time.Duration
}

type httpErrorBase struct {
	backend    string
	statusCode int
	message    string
	transient  bool
	retryAfter *time.Duration
}

func (e *httpErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.backend, e.statusCode, msg)
}
func (e *httpErrorBase) Backend() string           { return e.backend }
func (e *httpErrorBase) StatusCode() int           { return e.statusCode }
func (e *httpErrorBase) Transient() bool           { return e.transient }
func (e *httpErrorBase) RetryAfter() *time.Duration { return e.retryAfter }

type AuthenticationError struct{ httpErrorBase }
type AccessDeniedError struct{ httpErrorBase }
type InvalidCredentialError struct{ httpErrorBase }
type InvalidRequestError struct{ httpErrorBase }
type NotFoundError struct{ httpErrorBase }
type RequestTimeoutError struct{ httpErrorBase }
type RateLimitError struct{ httpErrorBase }
type ServerError struct{ httpErrorBase }
type UnavailableError struct{ httpErrorBase }
type UnknownHTTPError struct{ httpErrorBase }

// ErrorFromHTTPStatus maps an HTTP status from a backend into the unified
// error hierarchy. Auth-class statuses are permanent; throttling, timeouts
// and 5xx are transient.
func ErrorFromHTTPStatus(backend string, statusCode int, message string, retryAfter *time.Duration) error {
	base := httpErrorBase{
		backend:    strings.TrimSpace(backend),
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch statusCode {
	case 400, 422:
		base.transient = false
		if msgMentionsCredentialShape(message) {
			return &InvalidCredentialError{base}
		}
		return &InvalidRequestError{base}
	case 401:
		base.transient = false
		return &AuthenticationError{base}
	case 403:
		base.transient = false
		return &AccessDeniedError{base}
	case 404:
		base.transient = false
		return &NotFoundError{base}
	case 408:
		base.transient = true
		return &RequestTimeoutError{base}
	case 429:
		base.transient = true
		return &RateLimitError{base}
	case 500, 502, 504:
		base.transient = true
		return &ServerError{base}
	case 503:
		base.transient = true
		return &UnavailableError{base}
	default:
		// Unknown statuses default to transient so a single odd response
		// never strands a run when another backend could serve it.
		base.transient = true
		return &UnknownHTTPError{base}
	}
}

// NewInvalidCredentialError reports a credential that is present but
// malformed (wrong prefix, truncated, wrong account type). These need
// operator correction and must never be retried or failed over.
func NewInvalidCredentialError(backend string, message string) error {
	return &InvalidCredentialError{httpErrorBase{
		backend:   strings.TrimSpace(backend),
		message:   message,
		transient: false,
	}}
}

func msgMentionsCredentialShape(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "api key") ||
		strings.Contains(lower, "api_key") ||
		strings.Contains(lower, "credential") ||
		strings.Contains(lower, "token format")
}

// Class partitions failures for dispatch: permanent failures abort the
// whole dispatch, transient ones continue to the next candidate.
type Class string

const (
	ClassPermanent Class = "permanent"
	ClassTransient Class = "transient"
)

// transientReasonHints classifies plain (untyped) errors by message. The
// list mirrors what transport stacks and provider SDKs actually emit.
var transientReasonHints = []string{
	"timeout",
	"timed out",
	"context deadline exceeded",
	"connection refused",
	"connection reset",
	"broken pipe",
	"tls handshake timeout",
	"i/o timeout",
	"no route to host",
	"temporary failure",
	"temporarily unavailable",
	"try again",
	"rate limit",
	"too many requests",
	"service unavailable",
	"gateway timeout",
	"econnrefused",
	"econnreset",
	"dial tcp",
	"overloaded",
}

var permanentReasonHints = []string{
	"unauthorized",
	"invalid key",
	"invalid api key",
	"authentication",
	"access denied",
	"forbidden",
	"permission denied",
}

// Classify decides whether a backend failure is transient (keep rotating)
// or permanent (stop the dispatch so the operator sees the real problem).
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var be Error
	if errors.As(err, &be) {
		if be.Transient() {
			return ClassTransient
		}
		return ClassPermanent
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	reason := strings.ToLower(strings.TrimSpace(err.Error()))
	for _, hint := range permanentReasonHints {
		if strings.Contains(reason, hint) {
			return ClassPermanent
		}
	}
	for _, hint := range transientReasonHints {
		if strings.Contains(reason, hint) {
			return ClassTransient
		}
	}
	// Untyped errors with no recognizable signature default to transient,
	// matching the HTTP mapping above.
	return ClassTransient
}

// IsAuthenticationError reports whether err is an auth-class failure
// (authentication, authorization, or malformed credential).
func IsAuthenticationError(err error) bool {
	var auth *AuthenticationError
	var denied *AccessDeniedError
	var cred *InvalidCredentialError
	return errors.As(err, &auth) || errors.As(err, &denied) || errors.As(err, &cred)
}
