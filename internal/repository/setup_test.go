package repository

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/bwb/device-claim-server/internal/database"
	"github.com/bwb/device-claim-server/internal/model"
)

// setupTestDB connects to TEST_DATABASE_URL, applies the schema and empties
// every table. Tests skip when no database is configured.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := database.Connect(url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))
	_, err = db.ExecContext(ctx, `
		TRUNCATE provisioning_tokens, provisioning_codes, pairing_sessions, devices, device_groups, users CASCADE
	`)
	require.NoError(t, err)
	return db
}

func seedUser(t *testing.T, db *database.DB, username string) *model.User {
	t.Helper()
	org := "org-1"
	user, err := NewUserRepository(db.DB).Ensure(context.Background(), model.User{
		ID:             uuid.NewString(),
		AuthSubject:    "sub-" + username,
		Username:       username,
		Domain:         "example.com",
		OrganizationID: &org,
	})
	require.NoError(t, err)
	return user
}

func seedGroup(t *testing.T, db *database.DB, name string, parentID *string) *model.DeviceGroup {
	t.Helper()
	var group model.DeviceGroup
	err := db.GetContext(context.Background(), &group, `
		INSERT INTO device_groups (id, name, parent_id) VALUES ($1, $2, $3) RETURNING *
	`, uuid.NewString(), name, parentID)
	require.NoError(t, err)
	return &group
}
