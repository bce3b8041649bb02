package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	apperrors "github.com/bwb/device-claim-server/internal/errors"
	"github.com/bwb/device-claim-server/internal/httputil"
	"github.com/bwb/device-claim-server/internal/middleware"
	"github.com/bwb/device-claim-server/internal/model"
	"github.com/bwb/device-claim-server/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return apperrors.ValidationError("Request body too large")
	}
	return apperrors.ValidationError("Invalid JSON body")
}

// requireIdentity returns the caller or writes 401.
func requireIdentity(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		writeError(w, apperrors.Unauthorized("Missing authentication token"))
	}
	return identity, ok
}

func formatDevice(d *model.Device) map[string]any {
	if d == nil {
		return nil
	}
	return map[string]any{
		"deviceId":        d.DeviceID,
		"owner":           d.Owner,
		"ownerUsername":   d.OwnerUsername,
		"groupId":         d.GroupID,
		"friendlyName":    d.FriendlyName,
		"notes":           d.Notes,
		"lastHeartbeatAt": d.LastHeartbeatAt.Format(time.RFC3339),
	}
}

func formatSessionView(view *service.SessionView, now time.Time) map[string]any {
	s := view.Session
	body := map[string]any{
		"sessionId":            s.ID,
		"status":               s.Status,
		"expiresAt":            s.ExpiresAt.Format(time.RFC3339),
		"timeRemainingSeconds": int(s.TimeRemaining(now).Seconds()),
		"matchedAt":            formatTime(s.MatchedAt),
	}
	if view.Device != nil {
		body["device"] = formatDevice(view.Device)
	}
	return body
}
