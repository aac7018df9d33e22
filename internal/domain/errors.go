package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates an authentication failure.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeRateLimit indicates rate limiting was triggered.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeServer indicates an upstream or internal server error.
	ErrorTypeServer ErrorType = "server"

	// ErrorTypeMalformedOutput indicates a structured completion returned
	// an empty or schema-violating payload. Callers use this to fall back.
	ErrorTypeMalformedOutput ErrorType = "malformed_output"

	// ErrorTypeUnsupported indicates the provider cannot honor the
	// requested capability (e.g. strict JSON schema mode).
	ErrorTypeUnsupported ErrorType = "unsupported"

	// ErrorTypeConfiguration indicates an operator error such as an
	// unknown role or preset. Never silently fall back on these.
	ErrorTypeConfiguration ErrorType = "configuration"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeRateLimitExceeded      ErrorCode = "rate_limit_exceeded"
	ErrorCodeInvalidAPIKey          ErrorCode = "invalid_api_key"
	ErrorCodeRoleNotFound           ErrorCode = "role_not_found"
	ErrorCodePresetNotFound         ErrorCode = "preset_not_found"
	ErrorCodeProviderNotImplemented ErrorCode = "provider_not_implemented"
	ErrorCodeEmptyStructuredOutput  ErrorCode = "empty_structured_output"
	ErrorCodeSchemaViolation        ErrorCode = "schema_violation"
)

// APIError is the canonical error returned by providers and the router.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// Convenience constructors for common errors

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string) *APIError {
	return NewAPIError(ErrorTypeAuthentication, message).
		WithCode(ErrorCodeInvalidAPIKey)
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string) *APIError {
	return NewAPIError(ErrorTypeRateLimit, message).
		WithCode(ErrorCodeRateLimitExceeded)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

// ErrMalformedOutput creates a malformed structured output error.
func ErrMalformedOutput(message string) *APIError {
	return NewAPIError(ErrorTypeMalformedOutput, message).
		WithCode(ErrorCodeSchemaViolation)
}

// ErrEmptyOutput creates a malformed output error for empty payloads.
func ErrEmptyOutput(message string) *APIError {
	return NewAPIError(ErrorTypeMalformedOutput, message).
		WithCode(ErrorCodeEmptyStructuredOutput)
}

// ErrUnsupported creates an unsupported capability error.
func ErrUnsupported(message string) *APIError {
	return NewAPIError(ErrorTypeUnsupported, message)
}

// ErrRoleNotFound creates a configuration error for an unknown role.
func ErrRoleNotFound(role string) *APIError {
	return NewAPIError(ErrorTypeConfiguration, fmt.Sprintf("role not found: %s", role)).
		WithCode(ErrorCodeRoleNotFound)
}

// ErrPresetNotFound creates a configuration error for an unknown preset.
func ErrPresetNotFound(preset string) *APIError {
	return NewAPIError(ErrorTypeConfiguration, fmt.Sprintf("preset not found: %s", preset)).
		WithCode(ErrorCodePresetNotFound).
		WithStatusCode(http.StatusNotFound)
}

// ErrProviderNotImplemented creates a configuration error for an
// unsupported provider name.
func ErrProviderNotImplemented(name string) *APIError {
	return NewAPIError(ErrorTypeConfiguration, fmt.Sprintf("provider not implemented: %s", name)).
		WithCode(ErrorCodeProviderNotImplemented)
}

// IsErrorType reports whether err is an APIError of the given type.
func IsErrorType(err error, t ErrorType) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Type == t
	}
	return false
}

// IsMalformedOutput reports whether err indicates an unusable structured
// completion payload.
func IsMalformedOutput(err error) bool {
	return IsErrorType(err, ErrorTypeMalformedOutput)
}

// IsUnsupported reports whether err indicates a missing provider capability.
func IsUnsupported(err error) bool {
	return IsErrorType(err, ErrorTypeUnsupported)
}
