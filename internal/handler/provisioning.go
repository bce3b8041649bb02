package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bwb/device-claim-server/internal/audit"
	apperrors "github.com/bwb/device-claim-server/internal/errors"
	"github.com/bwb/device-claim-server/internal/middleware"
	"github.com/bwb/device-claim-server/internal/model"
	"github.com/bwb/device-claim-server/internal/service"
	"github.com/bwb/device-claim-server/internal/util"
)

type Provisioner interface {
	Issue(ctx context.Context, userID string) (*model.ProvisioningCode, error)
	Redeem(ctx context.Context, req service.RedeemRequest) (*service.RedeemResult, error)
	ConsumeToken(ctx context.Context, token, rawDeviceID string, deviceHint *string, in service.ClaimInput) (*model.Device, error)
	Bundle(ctx context.Context, token string) (*service.SignedBundle, error)
	Revoke(ctx context.Context, token string) error
}

type ProvisioningHandler struct {
	provisioner Provisioner
	installURL  func(codeID string) string
	now         func() time.Time
}

func NewProvisioningHandler(provisioner Provisioner, installURL func(codeID string) string) *ProvisioningHandler {
	return &ProvisioningHandler{
		provisioner: provisioner,
		installURL:  installURL,
		now:         time.Now,
	}
}

// Routes are the authenticated provisioning endpoints. Claim and Register are
// public and mounted separately behind the IP limiter.
func (h *ProvisioningHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/codes", h.IssueCode)

	return r
}

// POST /v1/provisioning/codes
func (h *ProvisioningHandler) IssueCode(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if !identity.CanInitiatePairing {
		audit.LogFromRequest(r, audit.Event{Type: audit.EventPairingForbidden, UserID: identity.UserID})
		writeError(w, apperrors.Forbidden("This account cannot pair devices"))
		return
	}

	code, err := h.provisioner.Issue(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"code":       code.Code,
		"codeId":     code.ID,
		"expiresAt":  code.ExpiresAt.Format(time.RFC3339),
		"installUrl": h.installURL(code.ID),
	})
}

type redeemRequest struct {
	CodeID     string  `json:"codeId"`
	Code       string  `json:"code"`
	DeviceHint *string `json:"deviceHint"`
	Nonce      *string `json:"nonce"`
}

// POST /v1/provisioning/claim
func (h *ProvisioningHandler) RedeemCode(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Code == "" {
		writeError(w, apperrors.ValidationError("code is required"))
		return
	}

	result, err := h.provisioner.Redeem(r.Context(), service.RedeemRequest{
		CodeID:     req.CodeID,
		Code:       req.Code,
		ClientIP:   audit.ClientIP(r),
		DeviceHint: req.DeviceHint,
		Nonce:      req.Nonce,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	expiresIn := int(result.ExpiresAt.Sub(h.now()).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":     result.Token,
		"expiresIn": expiresIn,
		"userId":    result.UserID,
		"tenantId":  result.TenantID,
	})
}

// POST /v1/provisioning/register
func (h *ProvisioningHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		writeError(w, apperrors.Unauthorized("Missing provisioning token"))
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

	device, err := h.provisioner.ConsumeToken(r.Context(), token, req.DeviceID, req.DeviceHint, in)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"device":  map[string]any{"deviceId": device.DeviceID},
	})
}

// provisioningToken returns the p_ bearer credential or writes 401.
func provisioningToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := middleware.BearerToken(r)
	if !strings.HasPrefix(token, util.ProvisionTokenPrefix) {
		writeError(w, apperrors.Unauthorized("Missing provisioning token"))
		return "", false
	}
	return token, true
}

// GET /v1/provisioning/bundle
func (h *ProvisioningHandler) GetBundle(w http.ResponseWriter, r *http.Request) {
	token, ok := provisioningToken(w, r)
	if !ok {
		return
	}

	signed, err := h.provisioner.Bundle(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bundle":     signed.Bundle,
		"bundleHash": signed.Hash,
	})
}

// POST /v1/provisioning/revoke
func (h *ProvisioningHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	token, ok := provisioningToken(w, r)
	if !ok {
		return
	}

	if err := h.provisioner.Revoke(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
