package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/bwb/device-claim-server/internal/errors"
	"github.com/bwb/device-claim-server/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	testUserID    = "0b7e3d5a-1c2f-4e8a-9b6d-2f4a6c8e0a11"
	otherUserID   = "7d9f1b3c-5e7a-4c2e-8a0b-3d5f7a9c1e22"
	testSessionID = "3c5e7a9b-1d3f-4a6c-8e0b-2a4c6e8f0b33"
)

func strPtr(s string) *string { return &s }

func testIdentity() model.Identity {
	return model.Identity{
		UserID:             testUserID,
		Username:           "alice",
		Domain:             "acme",
		OrganizationID:     strPtr("acme-org"),
		CanInitiatePairing: true,
	}
}

func awaitingSession(clickedAt time.Time, ttl time.Duration) *model.PairingSession {
	return &model.PairingSession{
		ID:        testSessionID,
		UserID:    testUserID,
		ClickedAt: clickedAt,
		ExpiresAt: clickedAt.Add(ttl),
		Status:    model.PairingStatusAwaiting,
	}
}

// fixedClock returns a clock the test can move.
func fixedClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func assertCode(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	if assert.Error(t, err) {
		assert.Equal(t, code, apperrors.GetCode(err), "unexpected error: %v", err)
	}
}
