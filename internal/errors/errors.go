// Package errors provides standardized error handling for the commerce service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the commerce service.
type ErrorCode string

const (
	// Caller errors
	COMMERCE_VALIDATION  ErrorCode = "COMMERCE_VALIDATION"  // Body failed schema validation
	COMMERCE_BAD_REQUEST ErrorCode = "COMMERCE_BAD_REQUEST" // Malformed request
	COMMERCE_SIGNATURE   ErrorCode = "COMMERCE_SIGNATURE"   // Webhook signature rejected

	// Authentication/Authorization errors
	COMMERCE_AUTHN ErrorCode = "COMMERCE_AUTHN" // Missing or invalid bearer token
	COMMERCE_AUTHZ ErrorCode = "COMMERCE_AUTHZ" // Caller does not own the resource

	// Resource errors
	COMMERCE_NOT_FOUND          ErrorCode = "COMMERCE_NOT_FOUND"          // Resource not found
	COMMERCE_CONFLICT           ErrorCode = "COMMERCE_CONFLICT"           // Resource conflict
	COMMERCE_PAYMENT_INCOMPLETE ErrorCode = "COMMERCE_PAYMENT_INCOMPLETE" // Payment has not settled

	// Upstream dependency errors
	COMMERCE_UPSTREAM ErrorCode = "COMMERCE_UPSTREAM" // Payment provider or identity provider failed

	// Server errors
	COMMERCE_INTERNAL    ErrorCode = "COMMERCE_INTERNAL"    // Internal server error
	COMMERCE_UNAVAILABLE ErrorCode = "COMMERCE_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case COMMERCE_VALIDATION, COMMERCE_BAD_REQUEST, COMMERCE_SIGNATURE:
		return http.StatusBadRequest
	case COMMERCE_AUTHN:
		return http.StatusUnauthorized
	case COMMERCE_AUTHZ:
		return http.StatusForbidden
	case COMMERCE_NOT_FOUND:
		return http.StatusNotFound
	case COMMERCE_CONFLICT:
		return http.StatusConflict
	case COMMERCE_PAYMENT_INCOMPLETE:
		return http.StatusPaymentRequired
	case COMMERCE_UPSTREAM:
		return http.StatusBadGateway
	case COMMERCE_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
