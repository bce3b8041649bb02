package service

import (
	"context"
	"errors"

	"github.com/bwb/device-claim-server/internal/audit"
	"github.com/bwb/device-claim-server/internal/config"
	"github.com/bwb/device-claim-server/internal/database"
	apperrors "github.com/bwb/device-claim-server/internal/errors"
	"github.com/bwb/device-claim-server/internal/model"
	"github.com/bwb/device-claim-server/internal/repository"
	"github.com/bwb/device-claim-server/internal/util"
)

// DirectClaimHandler claims a device by its typed or scanned id, without any
// temporal search.
type DirectClaimHandler struct {
	store   *SessionStore
	users   repository.UserRepository
	claimer sessionClaimer
}

func NewDirectClaimHandler(
	store *SessionStore,
	tx database.TxRunner,
	sessions repository.PairingSessionRepository,
	users repository.UserRepository,
	ownership *OwnershipService,
	events EventPublisher,
) *DirectClaimHandler {
	return &DirectClaimHandler{
		store: store,
		users: users,
		claimer: sessionClaimer{
			tx:        tx,
			sessions:  sessions,
			ownership: ownership,
			events:    events,
			now:       store.Now,
		},
	}
}

// NormalizeDeviceID strips whitespace and validates a manually entered id.
func NormalizeDeviceID(raw string) (string, error) {
	deviceID, reason, ok := util.NormalizeDeviceID(raw, config.DeviceIDMinLength, config.DeviceIDMaxLength)
	if !ok {
		return "", apperrors.InvalidDeviceID(reason)
	}
	return deviceID, nil
}

// ClaimBySessionID claims rawDeviceID for the caller and completes the
// caller's session when it is still awaiting.
func (h *DirectClaimHandler) ClaimBySessionID(
	ctx context.Context,
	identity model.Identity,
	sessionID string,
	rawDeviceID string,
	in ClaimInput,
) (*SessionView, error) {
	deviceID, err := NormalizeDeviceID(rawDeviceID)
	if err != nil {
		return nil, err
	}

	session, err := h.store.GetSession(ctx, sessionID, identity.UserID)
	if err != nil {
		return nil, err
	}

	device, _, err := h.claimer.claim(ctx, sessionClaim{
		session:  session,
		identity: identity,
		deviceID: deviceID,
		input:    in,
		source:   SourceDirectID,
	})
	if err != nil {
		return nil, err
	}
	return &SessionView{Session: session, Device: device}, nil
}

// ClaimByRegistrationToken is the device side of camera pairing: the device
// presents the token from the scanned pairing config and is claimed for the
// session owner. The token dies with the session.
func (h *DirectClaimHandler) ClaimByRegistrationToken(
	ctx context.Context,
	token string,
	rawDeviceID string,
	in ClaimInput,
) (*SessionView, error) {
	deviceID, err := NormalizeDeviceID(rawDeviceID)
	if err != nil {
		return nil, err
	}

	session, err := h.store.FindByRegistrationToken(ctx, token)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case model.PairingStatusCompleted:
		return nil, apperrors.TokenAlreadyConsumed()
	case model.PairingStatusExpired:
		return nil, apperrors.TokenExpired()
	}

	owner, err := h.users.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, storeFailure("find session owner", err)
	}
	if owner == nil {
		return nil, apperrors.Unauthorized("Invalid registration token")
	}
	identity := model.IdentityFromUser(owner, true)

	device, _, err := h.claimer.claim(ctx, sessionClaim{
		session:          session,
		identity:         identity,
		deviceID:         deviceID,
		input:            in,
		source:           SourcePairingToken,
		completeRequired: true,
	})
	if errors.Is(err, errSessionClosed) {
		audit.Log(ctx, audit.Event{
			Type:     audit.EventTokenReject,
			UserID:   identity.UserID,
			DeviceID: deviceID,
			Details:  map[string]interface{}{"sessionId": session.ID, "kind": "registration"},
		})
		return nil, apperrors.TokenAlreadyConsumed()
	}
	if err != nil {
		return nil, err
	}
	return &SessionView{Session: session, Device: device}, nil
}
