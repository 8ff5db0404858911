// Package core provides the shared types, interfaces and error taxonomy for the
// adventure generation service.
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeConfiguration indicates a broken step/model/policy setup. Fatal to a run.
	ErrorTypeConfiguration ErrorType = "configuration_error"
	// ErrorTypeInvalidRequest indicates a malformed caller request
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypeProvider indicates an upstream provider error (5xx, network)
	ErrorTypeProvider ErrorType = "provider_error"
	// ErrorTypeRateLimit indicates provider quota exhaustion (429)
	ErrorTypeRateLimit ErrorType = "rate_limit_error"
	// ErrorTypeAuthentication indicates the provider rejected our credentials
	ErrorTypeAuthentication ErrorType = "authentication_error"
	// ErrorTypeParse indicates a provider answer that could not be decoded
	ErrorTypeParse ErrorType = "parse_error"
	// ErrorTypeCancelled indicates the caller went away mid-run
	ErrorTypeCancelled ErrorType = "cancelled"
)

// Error is the base error type for all generation errors
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the upstream-equivalent status code for this error.
// The public endpoint always answers 200; the code is kept for logs and metrics.
func (e *Error) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeProvider, ErrorTypeParse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Fatal reports whether the error must abort a whole generation run.
// Everything else degrades to a per-step fallback.
func (e *Error) Fatal() bool {
	return e.Type == ErrorTypeConfiguration || e.Type == ErrorTypeInvalidRequest || e.Type == ErrorTypeCancelled
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(message string, err error) *Error {
	return &Error{Type: ErrorTypeConfiguration, Message: message, Err: err}
}

// NewInvalidRequestError creates a new invalid request error (400)
func NewInvalidRequestError(message string, err error) *Error {
	return &Error{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

// NewProviderError creates a new provider error (upstream 5xx)
func NewProviderError(provider string, statusCode int, message string, err error) *Error {
	return &Error{
		Type:       ErrorTypeProvider,
		Message:    message,
		StatusCode: statusCode,
		Provider:   provider,
		Err:        err,
	}
}

// NewRateLimitError creates a new rate limit error (429)
func NewRateLimitError(provider string, message string) *Error {
	return &Error{
		Type:       ErrorTypeRateLimit,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
		Provider:   provider,
	}
}

// NewAuthenticationError creates a new authentication error (401)
func NewAuthenticationError(provider string, message string) *Error {
	return &Error{
		Type:       ErrorTypeAuthentication,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
		Provider:   provider,
	}
}

// NewParseError creates an error for a provider answer we could not decode
func NewParseError(message string, err error) *Error {
	return &Error{Type: ErrorTypeParse, Message: message, Err: err}
}

// NewCancelledError wraps a context cancellation
func NewCancelledError(err error) *Error {
	return &Error{Type: ErrorTypeCancelled, Message: "generation cancelled", Err: err}
}

// IsFatal reports whether err carries a run-aborting *Error.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal()
	}
	return false
}

// ParseProviderError parses an error response from a provider and returns an appropriate Error
func ParseProviderError(provider string, statusCode int, body []byte, originalErr error) *Error {
	var errorResponse struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &errorResponse); err == nil && errorResponse.Error.Message != "" {
		message = errorResponse.Error.Message
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return NewAuthenticationError(provider, message)
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(provider, message)
	case statusCode >= 400 && statusCode < 500:
		return &Error{
			Type:       ErrorTypeInvalidRequest,
			Message:    message,
			StatusCode: statusCode,
			Provider:   provider,
			Err:        originalErr,
		}
	case statusCode >= 500:
		return NewProviderError(provider, statusCode, message, originalErr)
	default:
		return NewProviderError(provider, http.StatusBadGateway, message, originalErr)
	}
}
