package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/bwb/device-claim-server/internal/errors"
)

func TestWriteError(t *testing.T) {
	t.Run("maps AppError to status and body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, apperrors.InvalidDeviceID(apperrors.DeviceIDTooShort))

		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "INVALID_DEVICE_ID", body["code"])
		assert.Equal(t, "tooShort", body["details"].(map[string]any)["reason"])
	})

	t.Run("store failures are retryable", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, apperrors.StoreUnavailable(errors.New("dial tcp: refused")))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, RetryAfterSeconds, rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), `"retryable":true`)
		assert.NotContains(t, rec.Body.String(), "refused")
	})

	t.Run("unknown errors become internal errors", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, errors.New("boom"))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
		assert.NotContains(t, rec.Body.String(), "boom")
	})
}

func TestStatusFromCode(t *testing.T) {
	tests := []struct {
		code   apperrors.ErrorCode
		status int
	}{
		{apperrors.ErrCodeUnauthorized, http.StatusUnauthorized},
		{apperrors.ErrCodeForbidden, http.StatusForbidden},
		{apperrors.ErrCodeNotFound, http.StatusNotFound},
		{apperrors.ErrCodeInvalidCode, http.StatusBadRequest},
		{apperrors.ErrCodeAlreadyUsedOrExpired, http.StatusConflict},
		{apperrors.ErrCodeCodeExpired, http.StatusGone},
		{apperrors.ErrCodeLockedOut, http.StatusLocked},
		{apperrors.ErrCodeTokenAlreadyConsumed, http.StatusConflict},
		{apperrors.ErrCodeTokenExpired, http.StatusUnauthorized},
		{apperrors.ErrCodeRateLimitExceeded, http.StatusTooManyRequests},
		{apperrors.ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(string(tc.code), func(t *testing.T) {
			assert.Equal(t, tc.status, StatusFromCode(tc.code))
		})
	}
}
