package model

import (
	"fmt"
	"net/http"
)

// ErrorKind is a stable machine-readable code carried by every gateway
// error; the dispatcher is the only place that turns kinds into an
// HTTP-visible shape.
type ErrorKind string

const (
	ErrInvalidKey         ErrorKind = "invalid_key"
	ErrTokenDisabled      ErrorKind = "token_disabled"
	ErrTokenExpired       ErrorKind = "token_expired"
	ErrTokenExhausted     ErrorKind = "token_exhausted"
	ErrIpNotAllowed       ErrorKind = "ip_not_allowed"
	ErrModelNotPermitted  ErrorKind = "model_not_permitted"
	ErrQuotaInsufficient  ErrorKind = "quota_insufficient"
	ErrUnsupportedFeature ErrorKind = "unsupported_request_feature"
	ErrBadRequest         ErrorKind = "bad_request"
	ErrNoProvider         ErrorKind = "no_provider_available"
	ErrRateLimited        ErrorKind = "rate_limited"
	ErrUpstreamTimeout    ErrorKind = "upstream_timeout"
	ErrUpstream5xx        ErrorKind = "upstream_5xx"
	ErrUpstreamAuthFailed ErrorKind = "upstream_auth_failed"
	ErrClientCancelled    ErrorKind = "client_cancelled"
	ErrInternal           ErrorKind = "internal_error"
)

// statusByKind maps canonical error kinds to HTTP status codes. Retryable
// upstream kinds map to 502 for the case where every attempt failed.
var statusByKind = map[ErrorKind]int{
	ErrInvalidKey:         http.StatusUnauthorized,
	ErrTokenDisabled:      http.StatusUnauthorized,
	ErrTokenExpired:       http.StatusUnauthorized,
	ErrTokenExhausted:     http.StatusForbidden,
	ErrIpNotAllowed:       http.StatusForbidden,
	ErrModelNotPermitted:  http.StatusForbidden,
	ErrQuotaInsufficient:  http.StatusForbidden,
	ErrUnsupportedFeature: http.StatusBadRequest,
	ErrBadRequest:         http.StatusBadRequest,
	ErrNoProvider:         http.StatusServiceUnavailable,
	ErrRateLimited:        http.StatusTooManyRequests,
	ErrUpstreamTimeout:    http.StatusBadGateway,
	ErrUpstream5xx:        http.StatusBadGateway,
	ErrUpstreamAuthFailed: http.StatusBadGateway,
	ErrClientCancelled:    499,
	ErrInternal:           http.StatusInternalServerError,
}

// GatewayError is the tagged outcome every component returns upward.
type GatewayError struct {
	Kind    ErrorKind
	Message string
	// RetryAfter is set for rate_limited denials (seconds).
	RetryAfter float64
	// Raw preserves the underlying error for logs; never rendered to the
	// client to avoid leaking upstream bodies.
	Raw error
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *GatewayError) Unwrap() error { return e.Raw }

// StatusCode returns the HTTP status for the error's kind.
func (e *GatewayError) StatusCode() int {
	if code, ok := statusByKind[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the dispatcher may try another account after
// this failure (pre-first-chunk only).
func (e *GatewayError) Retryable() bool {
	switch e.Kind {
	case ErrUpstream5xx, ErrUpstreamTimeout, ErrRateLimited, ErrUpstreamAuthFailed:
		return true
	}
	return false
}

// NewError builds a GatewayError with a caller-facing message.
func NewError(kind ErrorKind, format string, args ...any) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a raw error for diagnostics.
func WrapError(kind ErrorKind, raw error, format string, args ...any) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...), Raw: raw}
}
