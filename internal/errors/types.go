package errors

import (
	"errors"
	"fmt"
)

// Kind classifies gateway errors so callers can decide retry vs surface
// without string matching.
type Kind string

const (
	// KindNoRefreshToken - the identity has no refresh token configured.
	KindNoRefreshToken Kind = "no_refresh_token"
	// KindUpstreamTransient - 429/5xx/timeout/connection failure; retried
	// in-manager before being surfaced.
	KindUpstreamTransient Kind = "upstream_transient"
	// KindUpstreamRefused - non-retryable 4xx from the refresh endpoint.
	KindUpstreamRefused Kind = "upstream_refused"
	// KindMalformedResponse - upstream reply lacked an accessToken.
	KindMalformedResponse Kind = "malformed_response"
	// KindCredentialsMissing - the store could not decrypt credentials.
	KindCredentialsMissing Kind = "credentials_missing"
	// KindNoTokenAvailable - allocator candidate set was empty.
	KindNoTokenAvailable Kind = "no_token_available"
)

// Error is the typed error carried across the credential and allocation
// cores. Kind is always programmatically distinguishable; the wrapped
// error (if any) keeps the transport-level cause.
type Error struct {
	Kind       Kind
	Message    string
	HTTPStatus int // upstream status when relevant, 0 otherwise
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match on Kind so sentinel-style checks work:
// errors.Is(err, &Error{Kind: KindNoTokenAvailable}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a typed error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a typed error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a typed error around a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithStatus attaches the upstream HTTP status.
func (e *Error) WithStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// KindOf extracts the Kind from err, or "" when err is not a typed error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
