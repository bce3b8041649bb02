package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bwb/device-claim-server/internal/database"
	"github.com/bwb/device-claim-server/internal/model"
)

type PairingSessionRepository interface {
	Create(ctx context.Context, params model.CreatePairingSessionParams) (*model.PairingSession, error)
	FindByID(ctx context.Context, id string) (*model.PairingSession, error)
	FindByRegistrationTokenHash(ctx context.Context, hash string) (*model.PairingSession, error)
	// ExpireAwaitingByUser moves the user's awaiting sessions past expiry to expired.
	ExpireAwaitingByUser(ctx context.Context, userID string, now time.Time) (int64, error)
	// MarkExpired and Complete only move awaiting sessions and report whether
	// the row changed. Complete also refuses sessions already past expires_at.
	MarkExpired(ctx context.Context, id string) (bool, error)
	Complete(ctx context.Context, id, deviceID string, at time.Time) (bool, error)
	// RotateRegistrationToken replaces the token hash of an awaiting session.
	RotateRegistrationToken(ctx context.Context, id, hash string) (bool, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) PairingSessionRepository
}

type pairingSessionRepo struct {
	db database.DBTX
}

func NewPairingSessionRepository(db *sqlx.DB) PairingSessionRepository {
	return &pairingSessionRepo{db: db}
}

func (r *pairingSessionRepo) WithTx(tx *sqlx.Tx) PairingSessionRepository {
	return &pairingSessionRepo{db: tx}
}

func (r *pairingSessionRepo) Create(ctx context.Context, params model.CreatePairingSessionParams) (*model.PairingSession, error) {
	var session model.PairingSession
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO pairing_sessions (
			id, user_id, clicked_at, expires_at, status, ip, user_agent, geolocation, registration_token_hash
		)
		VALUES ($1, $2, $3, $4, 'awaiting', NULLIF($5, ''), NULLIF($6, ''), $7, NULLIF($8, ''))
		RETURNING *
	`,
		params.ID, params.UserID, params.ClickedAt, params.ExpiresAt,
		params.Meta.IP, params.Meta.UserAgent, nullableJSON(params.Meta.Geolocation), params.RegistrationTokenHash,
	)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *pairingSessionRepo) FindByID(ctx context.Context, id string) (*model.PairingSession, error) {
	var session model.PairingSession
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM pairing_sessions WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

func (r *pairingSessionRepo) FindByRegistrationTokenHash(ctx context.Context, hash string) (*model.PairingSession, error) {
	var session model.PairingSession
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM pairing_sessions WHERE registration_token_hash = $1
	`, hash)
	return HandleNotFound(&session, err)
}

func (r *pairingSessionRepo) ExpireAwaitingByUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pairing_sessions SET
			status = 'expired',
			updated_at = NOW()
		WHERE user_id = $1 AND status = 'awaiting' AND expires_at <= $2
	`, userID, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *pairingSessionRepo) MarkExpired(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pairing_sessions SET
			status = 'expired',
			updated_at = NOW()
		WHERE id = $1 AND status = 'awaiting'
	`, id)
	return rowsChanged(result, err)
}

func (r *pairingSessionRepo) Complete(ctx context.Context, id, deviceID string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pairing_sessions SET
			status = 'completed',
			matched_device_id = $2,
			matched_at = $3,
			updated_at = NOW()
		WHERE id = $1 AND status = 'awaiting' AND expires_at > $3
	`, id, deviceID, at)
	return rowsChanged(result, err)
}

func (r *pairingSessionRepo) RotateRegistrationToken(ctx context.Context, id, hash string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pairing_sessions SET
			registration_token_hash = $2,
			updated_at = NOW()
		WHERE id = $1 AND status = 'awaiting'
	`, id, hash)
	return rowsChanged(result, err)
}

func (r *pairingSessionRepo) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pairing_sessions
		WHERE status <> 'awaiting' AND updated_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
