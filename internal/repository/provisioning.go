package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bwb/device-claim-server/internal/database"
	"github.com/bwb/device-claim-server/internal/model"
)

type ProvisioningCodeRepository interface {
	Create(ctx context.Context, params model.CreateProvisioningCodeParams) (*model.ProvisioningCode, error)
	FindByID(ctx context.Context, id string) (*model.ProvisioningCode, error)
	// FindUnusedByCode looks a code up by its digits. At most one unused row
	// exists per code.
	FindUnusedByCode(ctx context.Context, code string) (*model.ProvisioningCode, error)
	// ExpireStale marks unused codes past expiry as expired, freeing their digits.
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
	MarkExpired(ctx context.Context, id string) error
	RecordAttempt(ctx context.Context, id, clientIP string, at time.Time) error
	// RecordFailure increments the failure counter and locks the code until
	// lockoutUntil once the counter reaches threshold.
	RecordFailure(ctx context.Context, id string, threshold int, lockoutUntil time.Time) (*model.ProvisioningCode, error)
	// MarkUsed flips an unused code to used and reports whether it won.
	MarkUsed(ctx context.Context, id string) (bool, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) ProvisioningCodeRepository
}

type provisioningCodeRepo struct {
	db database.DBTX
}

func NewProvisioningCodeRepository(db *sqlx.DB) ProvisioningCodeRepository {
	return &provisioningCodeRepo{db: db}
}

func (r *provisioningCodeRepo) WithTx(tx *sqlx.Tx) ProvisioningCodeRepository {
	return &provisioningCodeRepo{db: tx}
}

func (r *provisioningCodeRepo) Create(ctx context.Context, params model.CreateProvisioningCodeParams) (*model.ProvisioningCode, error) {
	var code model.ProvisioningCode
	err := r.db.GetContext(ctx, &code, `
		INSERT INTO provisioning_codes (id, code, user_id, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING *
	`, params.ID, params.Code, params.UserID, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &code, nil
}

func (r *provisioningCodeRepo) FindByID(ctx context.Context, id string) (*model.ProvisioningCode, error) {
	var code model.ProvisioningCode
	err := r.db.GetContext(ctx, &code, `
		SELECT * FROM provisioning_codes WHERE id = $1
	`, id)
	return HandleNotFound(&code, err)
}

func (r *provisioningCodeRepo) FindUnusedByCode(ctx context.Context, code string) (*model.ProvisioningCode, error) {
	var pc model.ProvisioningCode
	err := r.db.GetContext(ctx, &pc, `
		SELECT * FROM provisioning_codes WHERE code = $1 AND status = 'unused'
	`, code)
	return HandleNotFound(&pc, err)
}

func (r *provisioningCodeRepo) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE provisioning_codes SET status = 'expired'
		WHERE status = 'unused' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *provisioningCodeRepo) MarkExpired(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE provisioning_codes SET status = 'expired'
		WHERE id = $1 AND status = 'unused'
	`, id)
	return err
}

func (r *provisioningCodeRepo) RecordAttempt(ctx context.Context, id, clientIP string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE provisioning_codes SET
			last_attempt_at = $2,
			last_client_ip = NULLIF($3, '')
		WHERE id = $1
	`, id, at, clientIP)
	return err
}

func (r *provisioningCodeRepo) RecordFailure(ctx context.Context, id string, threshold int, lockoutUntil time.Time) (*model.ProvisioningCode, error) {
	var code model.ProvisioningCode
	err := r.db.GetContext(ctx, &code, `
		UPDATE provisioning_codes SET
			failed_attempts = failed_attempts + 1,
			lockout_until = CASE WHEN failed_attempts + 1 >= $2 THEN $3 ELSE lockout_until END
		WHERE id = $1
		RETURNING *
	`, id, threshold, lockoutUntil)
	if err != nil {
		return nil, err
	}
	return &code, nil
}

func (r *provisioningCodeRepo) MarkUsed(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE provisioning_codes SET
			status = 'used',
			failed_attempts = 0,
			lockout_until = NULL
		WHERE id = $1 AND status = 'unused'
	`, id)
	return rowsChanged(result, err)
}

func (r *provisioningCodeRepo) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM provisioning_codes
		WHERE status <> 'unused' AND expires_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type ProvisioningTokenRepository interface {
	Create(ctx context.Context, params model.CreateProvisioningTokenParams) (*model.ProvisioningToken, error)
	FindByHash(ctx context.Context, tokenHash string) (*model.ProvisioningToken, error)
	// Consume flips an issued token to consumed and reports whether it won.
	Consume(ctx context.Context, id, deviceID string, deviceHint *string, at time.Time) (bool, error)
	MarkExpired(ctx context.Context, id string) error
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) ProvisioningTokenRepository
}

type provisioningTokenRepo struct {
	db database.DBTX
}

func NewProvisioningTokenRepository(db *sqlx.DB) ProvisioningTokenRepository {
	return &provisioningTokenRepo{db: db}
}

func (r *provisioningTokenRepo) WithTx(tx *sqlx.Tx) ProvisioningTokenRepository {
	return &provisioningTokenRepo{db: tx}
}

func (r *provisioningTokenRepo) Create(ctx context.Context, params model.CreateProvisioningTokenParams) (*model.ProvisioningToken, error) {
	var token model.ProvisioningToken
	err := r.db.GetContext(ctx, &token, `
		INSERT INTO provisioning_tokens (id, token_hash, code_id, expires_at, device_hint, nonce_hash, client_ip)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		RETURNING *
	`, params.ID, params.TokenHash, params.CodeID, params.ExpiresAt, params.DeviceHint, params.NonceHash, params.ClientIP)
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *provisioningTokenRepo) FindByHash(ctx context.Context, tokenHash string) (*model.ProvisioningToken, error) {
	var token model.ProvisioningToken
	err := r.db.GetContext(ctx, &token, `
		SELECT * FROM provisioning_tokens WHERE token_hash = $1
	`, tokenHash)
	return HandleNotFound(&token, err)
}

func (r *provisioningTokenRepo) Consume(ctx context.Context, id, deviceID string, deviceHint *string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE provisioning_tokens SET
			status = 'consumed',
			used_by_device_id = $2,
			device_hint = COALESCE($3, device_hint),
			consumed_at = $4
		WHERE id = $1 AND status = 'issued'
	`, id, deviceID, deviceHint, at)
	return rowsChanged(result, err)
}

func (r *provisioningTokenRepo) MarkExpired(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE provisioning_tokens SET status = 'expired'
		WHERE id = $1 AND status = 'issued'
	`, id)
	return err
}

func (r *provisioningTokenRepo) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM provisioning_tokens
		WHERE status <> 'issued' AND expires_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
