package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/bwb/device-claim-server/internal/errors"
	"github.com/bwb/device-claim-server/internal/model"
	"github.com/bwb/device-claim-server/internal/repository"
	"github.com/bwb/device-claim-server/internal/util"
)

// CreatedSession is a new pairing session plus the registration token minted
// for it. The token is only ever returned here.
type CreatedSession struct {
	Session           *model.PairingSession
	RegistrationToken string
}

// SessionStore owns the pairing session lifecycle. Expiry is evaluated lazily
// on every read.
type SessionStore struct {
	sessions repository.PairingSessionRepository
	ttl      time.Duration
	now      func() time.Time
}

func NewSessionStore(sessions repository.PairingSessionRepository, ttl time.Duration) *SessionStore {
	return &SessionStore{
		sessions: sessions,
		ttl:      ttl,
		now:      time.Now,
	}
}

// ReapOwnExpiredSessions marks the user's stale awaiting sessions expired.
func (s *SessionStore) ReapOwnExpiredSessions(ctx context.Context, userID string) (int64, error) {
	n, err := s.sessions.ExpireAwaitingByUser(ctx, userID, s.now())
	if err != nil {
		return 0, storeFailure("reap expired sessions", err)
	}
	if n > 0 {
		log.Debug().Str("userId", userID).Int64("count", n).Msg("expired stale pairing sessions")
	}
	return n, nil
}

func (s *SessionStore) CreateSession(ctx context.Context, identity model.Identity, meta model.ClientMeta) (*CreatedSession, error) {
	if !identity.CanInitiatePairing {
		return nil, apperrors.Forbidden("This account cannot pair devices")
	}

	token, err := util.GeneratePrefixedToken(util.RegistrationTokenPrefix)
	if err != nil {
		return nil, apperrors.Internal("Failed to generate registration token").WithCause(err)
	}

	clickedAt := s.now()
	session, err := s.sessions.Create(ctx, model.CreatePairingSessionParams{
		ID:                    uuid.NewString(),
		UserID:                identity.UserID,
		ClickedAt:             clickedAt,
		ExpiresAt:             clickedAt.Add(s.ttl),
		Meta:                  meta,
		RegistrationTokenHash: util.HashToken(token),
	})
	if err != nil {
		return nil, storeFailure("create pairing session", err)
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("userId", identity.UserID).
		Time("expiresAt", session.ExpiresAt).
		Msg("pairing session created")

	return &CreatedSession{Session: session, RegistrationToken: token}, nil
}

// GetSession returns the caller's session, expiring it first when its TTL has
// elapsed. Sessions of other users are reported as missing.
func (s *SessionStore) GetSession(ctx context.Context, sessionID, userID string) (*model.PairingSession, error) {
	if !util.IsValidUUID(sessionID) {
		return nil, apperrors.NotFound("Pairing session")
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, storeFailure("find pairing session", err)
	}
	if session == nil || session.UserID != userID {
		return nil, apperrors.NotFound("Pairing session")
	}

	return s.expireIfDue(ctx, session)
}

// RotateRegistrationToken mints a new registration token for the caller's
// awaiting session. The previous token stops working.
func (s *SessionStore) RotateRegistrationToken(ctx context.Context, sessionID, userID string) (string, *model.PairingSession, error) {
	session, err := s.GetSession(ctx, sessionID, userID)
	if err != nil {
		return "", nil, err
	}
	if session.Status != model.PairingStatusAwaiting {
		return "", nil, apperrors.AlreadyUsedOrExpired()
	}

	token, err := util.GeneratePrefixedToken(util.RegistrationTokenPrefix)
	if err != nil {
		return "", nil, apperrors.Internal("Failed to generate registration token").WithCause(err)
	}

	ok, err := s.sessions.RotateRegistrationToken(ctx, session.ID, util.HashToken(token))
	if err != nil {
		return "", nil, storeFailure("rotate registration token", err)
	}
	if !ok {
		return "", nil, apperrors.AlreadyUsedOrExpired()
	}
	return token, session, nil
}

// FindByRegistrationToken resolves the session a device registration token
// was minted for, with the same lazy expiry as GetSession.
func (s *SessionStore) FindByRegistrationToken(ctx context.Context, token string) (*model.PairingSession, error) {
	session, err := s.sessions.FindByRegistrationTokenHash(ctx, util.HashToken(token))
	if err != nil {
		return nil, storeFailure("find pairing session by token", err)
	}
	if session == nil {
		return nil, apperrors.Unauthorized("Invalid registration token")
	}
	return s.expireIfDue(ctx, session)
}

func (s *SessionStore) expireIfDue(ctx context.Context, session *model.PairingSession) (*model.PairingSession, error) {
	if !session.ExpiredAt(s.now()) {
		return session, nil
	}

	expired, err := s.sessions.MarkExpired(ctx, session.ID)
	if err != nil {
		return nil, storeFailure("expire pairing session", err)
	}
	if expired {
		log.Info().Str("sessionId", session.ID).Msg("pairing session expired")
		session.Status = model.PairingStatusExpired
		return session, nil
	}

	// A concurrent request moved the session first.
	current, err := s.sessions.FindByID(ctx, session.ID)
	if err != nil {
		return nil, storeFailure("reload pairing session", err)
	}
	if current == nil {
		return nil, apperrors.NotFound("Pairing session")
	}
	return current, nil
}

// Now exposes the store clock so collaborators agree on "now".
func (s *SessionStore) Now() time.Time {
	return s.now()
}
