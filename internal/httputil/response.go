package httputil

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/strangerchat/relay-server-go/internal/errors"
)

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error     string              `json:"error"`
	Code      apperrors.ErrorCode `json:"code"`
	Details   any                 `json:"details,omitempty"`
	Retryable bool                `json:"retryable,omitempty"`
}

// NewErrorResponse builds the response body for err, hiding non-AppError
// details behind a generic internal error.
func NewErrorResponse(err error) (int, ErrorResponse) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("An unexpected error occurred")
	}

	return StatusFromCode(appErr.Code), ErrorResponse{
		Error:     appErr.Message,
		Code:      appErr.Code,
		Details:   appErr.Details,
		Retryable: apperrors.IsRetryable(appErr),
	}
}

// WriteError writes an AppError as an HTTP response with appropriate status code
func WriteError(w http.ResponseWriter, err error) {
	status, response := NewErrorResponse(err)
	WriteJSON(w, status, response)
}

// StatusFromCode maps ErrorCode to HTTP status code
func StatusFromCode(code apperrors.ErrorCode) int {
	switch code {
	// 400 Bad Request
	case apperrors.ErrCodeValidation,
		apperrors.ErrCodeInvalidInput,
		apperrors.ErrCodeMissingRequired:
		return http.StatusBadRequest

	// 401 Unauthorized
	case apperrors.ErrCodeUnauthorized,
		apperrors.ErrCodeInvalidToken:
		return http.StatusUnauthorized

	// 404 Not Found
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound

	// 409 Conflict
	case apperrors.ErrCodeConflict,
		apperrors.ErrCodeRaceLost:
		return http.StatusConflict

	// 410 Gone
	case apperrors.ErrCodeClientClosed:
		return http.StatusGone

	// 413 Request Entity Too Large
	case apperrors.ErrCodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge

	// 429 Too Many Requests
	case apperrors.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests

	// 503 Service Unavailable
	case apperrors.ErrCodeStoreUnavailable,
		apperrors.ErrCodeSubscriptionFailed:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
