package model

import "time"

type ProvisioningCode struct {
	ID             string     `db:"id" json:"id"`
	Code           string     `db:"code" json:"-"`
	UserID         string     `db:"user_id" json:"userId"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	ExpiresAt      time.Time  `db:"expires_at" json:"expiresAt"`
	Status         CodeStatus `db:"status" json:"status"`
	FailedAttempts int        `db:"failed_attempts" json:"failedAttempts"`
	LastAttemptAt  *time.Time `db:"last_attempt_at" json:"lastAttemptAt,omitempty"`
	LockoutUntil   *time.Time `db:"lockout_until" json:"lockoutUntil,omitempty"`
	LastClientIP   *string    `db:"last_client_ip" json:"-"`
}

// LockedAt reports whether a lockout is in force at now.
func (c *ProvisioningCode) LockedAt(now time.Time) bool {
	return c.LockoutUntil != nil && now.Before(*c.LockoutUntil)
}

type CreateProvisioningCodeParams struct {
	ID        string
	Code      string
	UserID    string
	ExpiresAt time.Time
}

type ProvisioningToken struct {
	ID             string      `db:"id" json:"id"`
	TokenHash      string      `db:"token_hash" json:"-"`
	CodeID         string      `db:"code_id" json:"codeId"`
	CreatedAt      time.Time   `db:"created_at" json:"createdAt"`
	ExpiresAt      time.Time   `db:"expires_at" json:"expiresAt"`
	Status         TokenStatus `db:"status" json:"status"`
	DeviceHint     *string     `db:"device_hint" json:"deviceHint,omitempty"`
	UsedByDeviceID *string     `db:"used_by_device_id" json:"usedByDeviceId,omitempty"`
	ConsumedAt     *time.Time  `db:"consumed_at" json:"consumedAt,omitempty"`
	NonceHash      *string     `db:"nonce_hash" json:"-"`
	ClientIP       *string     `db:"client_ip" json:"-"`
}

type CreateProvisioningTokenParams struct {
	ID         string
	TokenHash  string
	CodeID     string
	ExpiresAt  time.Time
	DeviceHint *string
	NonceHash  *string
	ClientIP   string
}
