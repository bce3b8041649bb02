package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bwb/device-claim-server/internal/database"
	apperrors "github.com/bwb/device-claim-server/internal/errors"
	"github.com/bwb/device-claim-server/internal/model"
	"github.com/bwb/device-claim-server/internal/repository"
)

// Matcher pairs an awaiting session with the ownerless device that
// heartbeated most recently inside the session's pairing window.
type Matcher struct {
	store   *SessionStore
	devices repository.DeviceRepository
	claimer sessionClaimer
	window  time.Duration
}

func NewMatcher(
	store *SessionStore,
	tx database.TxRunner,
	sessions repository.PairingSessionRepository,
	devices repository.DeviceRepository,
	ownership *OwnershipService,
	events EventPublisher,
	window time.Duration,
) *Matcher {
	return &Matcher{
		store:   store,
		devices: devices,
		claimer: sessionClaimer{
			tx:        tx,
			sessions:  sessions,
			ownership: ownership,
			events:    events,
			now:       store.Now,
		},
		window: window,
	}
}

// Poll reports the session state, attempting a match while it is awaiting.
// "No match yet" is an awaiting view with no device, not an error.
func (m *Matcher) Poll(ctx context.Context, identity model.Identity, sessionID string) (*SessionView, error) {
	session, err := m.store.GetSession(ctx, sessionID, identity.UserID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case model.PairingStatusCompleted:
		return m.completedView(ctx, session)
	case model.PairingStatusExpired:
		return &SessionView{Session: session}, nil
	}

	from, to := session.ClickedAt, session.ClickedAt.Add(m.window)
	candidate, candidates, err := m.devices.FindNewestUnclaimed(ctx, from, to)
	if err != nil {
		return nil, storeFailure("find unclaimed devices", err)
	}
	if candidate == nil {
		return &SessionView{Session: session}, nil
	}

	if candidates > 1 {
		log.Warn().
			Str("sessionId", session.ID).
			Str("deviceId", candidate.DeviceID).
			Int("candidates", candidates).
			Msg("several unclaimed devices in pairing window, newest heartbeat wins")
	}

	device, _, err := m.claimer.claim(ctx, sessionClaim{
		session:          session,
		identity:         identity,
		deviceID:         candidate.DeviceID,
		input:            ClaimInput{Annotation: UnchangedAnnotation{}},
		source:           SourceTemporalMatch,
		completeRequired: true,
	})
	switch {
	case err == nil:
		return &SessionView{Session: session, Device: device}, nil
	case errors.Is(err, errSessionClosed):
		// Another request finished the session; report what it left behind.
		return m.reload(ctx, identity, sessionID)
	case apperrors.HasCode(err, apperrors.ErrCodeDeviceAlreadyOwned):
		log.Info().
			Str("sessionId", session.ID).
			Str("deviceId", candidate.DeviceID).
			Msg("candidate claimed by someone else, still awaiting")
		return &SessionView{Session: session}, nil
	default:
		return nil, err
	}
}

func (m *Matcher) reload(ctx context.Context, identity model.Identity, sessionID string) (*SessionView, error) {
	session, err := m.store.GetSession(ctx, sessionID, identity.UserID)
	if err != nil {
		return nil, err
	}
	if session.Status == model.PairingStatusCompleted {
		return m.completedView(ctx, session)
	}
	return &SessionView{Session: session}, nil
}

func (m *Matcher) completedView(ctx context.Context, session *model.PairingSession) (*SessionView, error) {
	view := &SessionView{Session: session}
	if session.MatchedDeviceID == nil {
		return view, nil
	}
	device, err := m.devices.FindByDeviceID(ctx, *session.MatchedDeviceID)
	if err != nil {
		return nil, storeFailure("find matched device", err)
	}
	view.Device = device
	return view, nil
}
