package service

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/bwb/device-claim-server/internal/audit"
	"github.com/bwb/device-claim-server/internal/database"
	apperrors "github.com/bwb/device-claim-server/internal/errors"
	"github.com/bwb/device-claim-server/internal/model"
	"github.com/bwb/device-claim-server/internal/repository"
	"github.com/bwb/device-claim-server/internal/sse"
)

// errSessionClosed aborts a claim whose session left awaiting mid-flight.
var errSessionClosed = errors.New("pairing session no longer awaiting")

// SessionView is what a poll or claim reports about a pairing session.
type SessionView struct {
	Session *model.PairingSession
	Device  *model.Device
}

// sessionClaim describes one attempt to claim a device on behalf of a session.
type sessionClaim struct {
	session  *model.PairingSession
	identity model.Identity
	deviceID string
	input    ClaimInput
	source   string
	// completeRequired rolls the claim back when the session can no longer be
	// completed. Without it the device is still claimed.
	completeRequired bool
}

// sessionClaimer runs the ownership upsert and session completion as one
// transaction. It is shared by every session-bound claim path.
type sessionClaimer struct {
	tx        database.TxRunner
	sessions  repository.PairingSessionRepository
	ownership *OwnershipService
	events    EventPublisher
	now       func() time.Time
}

// claim returns the claimed device and whether the session was completed.
// A device owned by someone else yields DEVICE_ALREADY_OWNED and nothing is
// written.
func (c *sessionClaimer) claim(ctx context.Context, req sessionClaim) (*model.Device, bool, error) {
	at := c.now()
	var device *model.Device
	var completed bool

	err := c.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		d, err := c.ownership.UpsertTx(ctx, tx, req.deviceID, req.identity, req.input)
		if err != nil {
			return err
		}
		if !d.OwnedBy(req.identity.UserID) {
			return apperrors.DeviceAlreadyOwned()
		}

		ok, err := c.sessions.WithTx(tx).Complete(ctx, req.session.ID, req.deviceID, at)
		if err != nil {
			return storeFailure("complete pairing session", err)
		}
		if !ok && req.completeRequired {
			return errSessionClosed
		}

		device, completed = d, ok
		return nil
	})
	if errors.Is(err, errSessionClosed) {
		return nil, false, err
	}
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeDeviceAlreadyOwned) {
			audit.Log(ctx, audit.Event{
				Type:     audit.EventClaimRejected,
				UserID:   req.identity.UserID,
				DeviceID: req.deviceID,
				Details:  map[string]interface{}{"source": req.source, "reason": "already_owned"},
			})
		}
		return nil, false, txFailure("claim device", err)
	}

	if completed {
		req.session.Status = model.PairingStatusCompleted
		req.session.MatchedDeviceID = &req.deviceID
		req.session.MatchedAt = &at
	}

	log.Info().
		Str("sessionId", req.session.ID).
		Str("deviceId", req.deviceID).
		Str("userId", req.identity.UserID).
		Str("source", req.source).
		Bool("sessionCompleted", completed).
		Msg("device claimed")

	audit.Log(ctx, audit.Event{
		Type:     audit.EventDeviceClaim,
		UserID:   req.identity.UserID,
		DeviceID: req.deviceID,
		Details:  map[string]interface{}{"source": req.source, "sessionId": req.session.ID},
	})

	scope := EventScope(req.identity)
	publish(ctx, c.events, scope, sse.EventDeviceClaimed, ClaimEventData{
		DeviceID:  req.deviceID,
		OwnerID:   req.identity.UserID,
		Source:    req.source,
		SessionID: req.session.ID,
	})
	if completed {
		publish(ctx, c.events, scope, sse.EventPairingCompleted, map[string]string{
			"sessionId": req.session.ID,
			"deviceId":  req.deviceID,
		})
	}

	return device, completed, nil
}
