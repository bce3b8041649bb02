package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwb/device-claim-server/internal/database"
	"github.com/bwb/device-claim-server/internal/model"
)

func TestProvisioningCodeRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewProvisioningCodeRepository(db.DB)
	ctx := context.Background()
	user := seedUser(t, db, "alice")
	now := time.Now()

	create := func(t *testing.T, code string, expiresAt time.Time) *model.ProvisioningCode {
		t.Helper()
		pc, err := repo.Create(ctx, model.CreateProvisioningCodeParams{
			ID: uuid.NewString(), Code: code, UserID: user.ID, ExpiresAt: expiresAt,
		})
		require.NoError(t, err)
		return pc
	}

	t.Run("unused codes are unique", func(t *testing.T) {
		create(t, "1111", now.Add(15*time.Minute))
		_, err := repo.Create(ctx, model.CreateProvisioningCodeParams{
			ID: uuid.NewString(), Code: "1111", UserID: user.ID, ExpiresAt: now.Add(15 * time.Minute),
		})
		require.Error(t, err)
		assert.True(t, database.IsUniqueViolation(err))
	})

	t.Run("expiring stale codes frees their digits", func(t *testing.T) {
		create(t, "2222", now.Add(-time.Minute))

		n, err := repo.ExpireStale(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		fresh := create(t, "2222", now.Add(15*time.Minute))
		found, err := repo.FindUnusedByCode(ctx, "2222")
		require.NoError(t, err)
		assert.Equal(t, fresh.ID, found.ID)
	})

	t.Run("failures lock the code at the threshold", func(t *testing.T) {
		pc := create(t, "3333", now.Add(15*time.Minute))
		lockUntil := now.Add(15 * time.Minute)

		var updated *model.ProvisioningCode
		var err error
		for i := 0; i < 4; i++ {
			updated, err = repo.RecordFailure(ctx, pc.ID, 5, lockUntil)
			require.NoError(t, err)
			assert.Nil(t, updated.LockoutUntil)
		}
		updated, err = repo.RecordFailure(ctx, pc.ID, 5, lockUntil)
		require.NoError(t, err)
		assert.Equal(t, 5, updated.FailedAttempts)
		require.NotNil(t, updated.LockoutUntil)
		assert.True(t, updated.LockedAt(now))
	})

	t.Run("mark used wins once and resets failures", func(t *testing.T) {
		pc := create(t, "4444", now.Add(15*time.Minute))
		_, err := repo.RecordFailure(ctx, pc.ID, 5, now)
		require.NoError(t, err)
		require.NoError(t, repo.RecordAttempt(ctx, pc.ID, "192.0.2.1", now))

		ok, err := repo.MarkUsed(ctx, pc.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.MarkUsed(ctx, pc.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := repo.FindByID(ctx, pc.ID)
		require.NoError(t, err)
		assert.Equal(t, model.CodeStatusUsed, got.Status)
		assert.Zero(t, got.FailedAttempts)
		assert.Equal(t, "192.0.2.1", *got.LastClientIP)
	})
}

func TestProvisioningTokenRepository(t *testing.T) {
	db := setupTestDB(t)
	codes := NewProvisioningCodeRepository(db.DB)
	repo := NewProvisioningTokenRepository(db.DB)
	ctx := context.Background()
	user := seedUser(t, db, "alice")

	pc, err := codes.Create(ctx, model.CreateProvisioningCodeParams{
		ID: uuid.NewString(), Code: "5555", UserID: user.ID, ExpiresAt: time.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	token, err := repo.Create(ctx, model.CreateProvisioningTokenParams{
		ID: uuid.NewString(), TokenHash: "hash-1", CodeID: pc.ID,
		ExpiresAt: time.Now().Add(15 * time.Minute), ClientIP: "192.0.2.1",
	})
	require.NoError(t, err)
	assert.Equal(t, model.TokenStatusIssued, token.Status)

	t.Run("consume wins once", func(t *testing.T) {
		hint := "kiosk-3"
		ok, err := repo.Consume(ctx, token.ID, "123456789", &hint, time.Now())
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.Consume(ctx, token.ID, "987654321", nil, time.Now())
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := repo.FindByHash(ctx, "hash-1")
		require.NoError(t, err)
		assert.Equal(t, model.TokenStatusConsumed, got.Status)
		assert.Equal(t, "123456789", *got.UsedByDeviceID)
		assert.Equal(t, "kiosk-3", *got.DeviceHint)
	})

	t.Run("returns nil for unknown hash", func(t *testing.T) {
		got, err := repo.FindByHash(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}
