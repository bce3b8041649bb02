package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/bwb/device-claim-server/internal/audit"
	apperrors "github.com/bwb/device-claim-server/internal/errors"
	"github.com/bwb/device-claim-server/internal/middleware"
	"github.com/bwb/device-claim-server/internal/model"
	"github.com/bwb/device-claim-server/internal/service"
)

type PairingSessions interface {
	ReapOwnExpiredSessions(ctx context.Context, userID string) (int64, error)
	CreateSession(ctx context.Context, identity model.Identity, meta model.ClientMeta) (*service.CreatedSession, error)
	RotateRegistrationToken(ctx context.Context, sessionID, userID string) (string, *model.PairingSession, error)
	Now() time.Time
}

type SessionPoller interface {
	Poll(ctx context.Context, identity model.Identity, sessionID string) (*service.SessionView, error)
}

type DirectClaimer interface {
	ClaimBySessionID(ctx context.Context, identity model.Identity, sessionID, rawDeviceID string, in service.ClaimInput) (*service.SessionView, error)
	ClaimByRegistrationToken(ctx context.Context, token, rawDeviceID string, in service.ClaimInput) (*service.SessionView, error)
}

type PairingHandler struct {
	sessions PairingSessions
	matcher  SessionPoller
	direct   DirectClaimer
	config   service.PairingConfig
}

func NewPairingHandler(
	sessions PairingSessions,
	matcher SessionPoller,
	direct DirectClaimer,
	config service.PairingConfig,
) *PairingHandler {
	return &PairingHandler{
		sessions: sessions,
		matcher:  matcher,
		direct:   direct,
		config:   config,
	}
}

// Routes are the authenticated pairing endpoints.
func (h *PairingHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/sessions", h.CreateSession)
	r.Get("/sessions/{id}", h.GetSession)
	r.Post("/sessions/{id}/qr", h.SessionQRCode)
	r.Post("/sessions/{id}/device-id", h.ClaimDeviceID)

	return r
}

type createSessionRequest struct {
	Geolocation json.RawMessage `json:"geolocation"`
	IncludeQR   bool            `json:"includeQr"`
}

// POST /v1/pairing/sessions
func (h *PairingHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	// Stale sessions of this user are closed before a new one opens.
	if _, err := h.sessions.ReapOwnExpiredSessions(ctx, identity.UserID); err != nil {
		writeError(w, err)
		return
	}

	meta := model.ClientMeta{
		IP:        audit.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
	if len(req.Geolocation) > 0 && string(req.Geolocation) != "null" {
		meta.Geolocation = req.Geolocation
	}

	created, err := h.sessions.CreateSession(ctx, identity, meta)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeForbidden) {
			audit.LogFromRequest(r, audit.Event{Type: audit.EventPairingForbidden, UserID: identity.UserID})
		}
		writeError(w, err)
		return
	}

	encoded, err := h.config.Encode(created.RegistrationToken)
	if err != nil {
		writeError(w, apperrors.Internal("Failed to build pairing config").WithCause(err))
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventPairingStart,
		UserID:  identity.UserID,
		Details: map[string]interface{}{"sessionId": created.Session.ID},
	})

	session := created.Session
	body := map[string]any{
		"sessionId":        session.ID,
		"expiresAt":        session.ExpiresAt.Format(time.RFC3339),
		"expiresInSeconds": int(session.ExpiresAt.Sub(session.ClickedAt).Seconds()),
		"config":           encoded.Config,
		"rawConfig":        encoded.Raw,
	}

	if req.IncludeQR {
		png, err := encoded.QRCode(service.QRCodeSize)
		if err != nil {
			log.Warn().Err(err).Str("sessionId", session.ID).Msg("failed to render pairing qr")
		} else {
			body["qrCode"] = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
		}
	}

	writeJSON(w, http.StatusCreated, body)
}

// GET /v1/pairing/sessions/{id}
func (h *PairingHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	view, err := h.matcher.Poll(r.Context(), identity, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, formatSessionView(view, h.sessions.Now()))
}

// POST /v1/pairing/sessions/{id}/qr
func (h *PairingHandler) SessionQRCode(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	token, session, err := h.sessions.RotateRegistrationToken(r.Context(), chi.URLParam(r, "id"), identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	encoded, err := h.config.Encode(token)
	if err != nil {
		writeError(w, apperrors.Internal("Failed to build pairing config").WithCause(err))
		return
	}
	png, err := encoded.QRCode(service.QRCodeSize)
	if err != nil {
		writeError(w, apperrors.Internal("Failed to render QR code").WithCause(err))
		return
	}

	log.Debug().Str("sessionId", session.ID).Msg("pairing qr issued")

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// POST /v1/pairing/sessions/{id}/device-id
func (h *PairingHandler) ClaimDeviceID(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	in, err := req.claimInput()
	if err != nil {
		writeError(w, err)
		return
	}

	view, err := h.direct.ClaimBySessionID(r.Context(), identity, chi.URLParam(r, "id"), req.DeviceID, in)
	if err != nil {
		writeError(w, err)
		return
	}

	body := formatSessionView(view, h.sessions.Now())
	body["deviceId"] = view.Device.DeviceID
	writeJSON(w, http.StatusOK, body)
}

// POST /v1/pairing/register
//
// Called by the device with the registration token from the scanned config.
func (h *PairingHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		writeError(w, apperrors.Unauthorized("Missing registration token"))
		return
	}

	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	in, err := req.claimInput()
	if err != nil {
		writeError(w, err)
		return
	}

	view, err := h.direct.ClaimByRegistrationToken(r.Context(), token, req.DeviceID, in)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"sessionId": view.Session.ID,
		"device":    map[string]any{"deviceId": view.Device.DeviceID},
	})
}
