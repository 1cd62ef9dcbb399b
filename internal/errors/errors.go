package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/storefront-crm/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents malformed input (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryVerification represents failed signature or token checks
	CategoryVerification ErrorCategory = "verification"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryThrottle represents commerce platform throttling
	CategoryThrottle ErrorCategory = "throttle"
	// CategoryPlatform represents non-throttle commerce platform failures
	CategoryPlatform ErrorCategory = "platform"
	// CategoryMailProvider represents outbound mail provider failures
	CategoryMailProvider ErrorCategory = "mail_provider"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryQueue represents dispatch queue errors
	CategoryQueue ErrorCategory = "queue"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to the API error payload
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewInvalidPayloadError creates an error for a body that cannot be parsed
func NewInvalidPayloadError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PAYLOAD",
		Message:    "request body is not valid JSON",
		Cause:      cause,
	}
}

// NewVerificationError creates an error for a failed signature or token check
func NewVerificationError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryVerification,
		StatusCode: http.StatusUnauthorized,
		Code:       "VERIFICATION_FAILED",
		Message:    message,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "CONFLICT",
		Message:    message,
	}
}

// NewThrottledError is returned once platform throttle retries are exhausted
func NewThrottledError(attempts int, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryThrottle,
		StatusCode: http.StatusTooManyRequests,
		Code:       "PLATFORM_THROTTLED",
		Message:    fmt.Sprintf("platform throttled the request after %d attempts", attempts),
		Cause:      cause,
		Details: map[string]interface{}{
			"attempts": attempts,
		},
	}
}

// NewPlatformError creates a commerce platform error
func NewPlatformError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPlatform,
		StatusCode: http.StatusBadGateway,
		Code:       "PLATFORM_ERROR",
		Message:    fmt.Sprintf("platform error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewMailProviderError creates a mail provider error
func NewMailProviderError(statusCode int, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryMailProvider,
		StatusCode: http.StatusBadGateway,
		Code:       "MAIL_PROVIDER_ERROR",
		Message:    fmt.Sprintf("mail provider rejected the request (status %d)", statusCode),
		Cause:      cause,
		Details: map[string]interface{}{
			"providerStatus": statusCode,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewQueueError creates a dispatch queue error
func NewQueueError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryQueue,
		StatusCode: http.StatusInternalServerError,
		Code:       "QUEUE_ERROR",
		Message:    fmt.Sprintf("queue error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "SERVICE_UNAVAILABLE",
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Cause:      cause,
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// Categorize categorizes an existing error. Wrapped categorized errors are
// found through the chain.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryThrottle, CategoryDatabase, CategoryQueue, CategoryMailProvider:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsCategory reports whether err carries the given category
func IsCategory(err error, category ErrorCategory) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Category == category
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
