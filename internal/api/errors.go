package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/storefront-crm/internal/errors"
	"github.com/storefront-crm/internal/logging"
	"github.com/storefront-crm/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// respondServiceError maps a service error onto its HTTP status. Only
// caller errors (4xx) are returned in full; the rest are logged.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	if !apperrors.IsUserError(catErr) {
		logging.FromContext(r.Context()).WithComponent("api").WithError(err).
			WithField("path", r.URL.Path).Error("Request failed")
		respondError(w, catErr.StatusCode, catErr.Code, http.StatusText(catErr.StatusCode), nil)
		return
	}
	respondJSON(w, catErr.StatusCode, ErrorResponse{Error: *catErr.ToServiceError()})
}
