package model

import (
	"encoding/json"
	"time"
)

type PairingSession struct {
	ID                    string           `db:"id" json:"id"`
	UserID                string           `db:"user_id" json:"userId"`
	ClickedAt             time.Time        `db:"clicked_at" json:"clickedAt"`
	ExpiresAt             time.Time        `db:"expires_at" json:"expiresAt"`
	Status                PairingStatus    `db:"status" json:"status"`
	MatchedDeviceID       *string          `db:"matched_device_id" json:"matchedDeviceId,omitempty"`
	MatchedAt             *time.Time       `db:"matched_at" json:"matchedAt,omitempty"`
	IP                    *string          `db:"ip" json:"-"`
	UserAgent             *string          `db:"user_agent" json:"-"`
	Geolocation           *json.RawMessage `db:"geolocation" json:"-"`
	RegistrationTokenHash *string          `db:"registration_token_hash" json:"-"`
	UpdatedAt             time.Time        `db:"updated_at" json:"updatedAt"`
}

// ExpiredAt reports whether an awaiting session has outlived its TTL at now.
func (s *PairingSession) ExpiredAt(now time.Time) bool {
	return s.Status == PairingStatusAwaiting && !now.Before(s.ExpiresAt)
}

// TimeRemaining is clamped at zero.
func (s *PairingSession) TimeRemaining(now time.Time) time.Duration {
	if s.Status != PairingStatusAwaiting {
		return 0
	}
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ClientMeta is request metadata recorded on a new session.
type ClientMeta struct {
	IP          string
	UserAgent   string
	Geolocation json.RawMessage
}

type CreatePairingSessionParams struct {
	ID                    string
	UserID                string
	ClickedAt             time.Time
	ExpiresAt             time.Time
	Meta                  ClientMeta
	RegistrationTokenHash string
}
