package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	apperrors "github.com/bwb/device-claim-server/internal/errors"
)

// RetryAfterSeconds is advertised on retryable storage failures.
const RetryAfterSeconds = "2"

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

// WriteError writes an AppError as an HTTP response with appropriate status code
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		log.Error().Err(err).Msg("unexpected error")
		appErr = apperrors.Internal("An unexpected error occurred")
	}

	if appErr.Retryable() {
		log.Warn().Err(appErr.Unwrap()).Msg("store unavailable")
		w.Header().Set("Retry-After", RetryAfterSeconds)
	}

	response := ErrorResponse{
		Error:     appErr.Message,
		Code:      appErr.Code,
		Details:   appErr.Details,
		Retryable: appErr.Retryable(),
	}

	WriteJSON(w, StatusFromCode(appErr.Code), response)
}

// StatusFromCode maps ErrorCode to HTTP status code
func StatusFromCode(code apperrors.ErrorCode) int {
	switch code {
	// 400 Bad Request
	case apperrors.ErrCodeValidation,
		apperrors.ErrCodeInvalidDeviceID,
		apperrors.ErrCodeInvalidCode:
		return http.StatusBadRequest

	// 401 Unauthorized
	case apperrors.ErrCodeUnauthorized,
		apperrors.ErrCodeTokenExpired:
		return http.StatusUnauthorized

	// 403 Forbidden
	case apperrors.ErrCodeForbidden:
		return http.StatusForbidden

	// 404 Not Found
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound

	// 409 Conflict
	case apperrors.ErrCodeAlreadyUsedOrExpired,
		apperrors.ErrCodeTokenAlreadyConsumed,
		apperrors.ErrCodeDeviceAlreadyOwned:
		return http.StatusConflict

	// 410 Gone
	case apperrors.ErrCodeCodeExpired:
		return http.StatusGone

	// 423 Locked
	case apperrors.ErrCodeLockedOut:
		return http.StatusLocked

	// 429 Too Many Requests
	case apperrors.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests

	// 503 Service Unavailable
	case apperrors.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
