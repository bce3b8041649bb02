package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bwb/device-claim-server/internal/database"
	"github.com/bwb/device-claim-server/internal/model"
)

type DeviceRepository interface {
	FindByDeviceID(ctx context.Context, deviceID string) (*model.Device, error)
	// FindNewestUnclaimed returns the ownerless, non-deleted device with the most
	// recent heartbeat in [from, to], plus how many devices qualified.
	FindNewestUnclaimed(ctx context.Context, from, to time.Time) (*model.Device, int, error)
	// Upsert inserts the device or merges params into the existing row. An
	// existing owner is never replaced.
	Upsert(ctx context.Context, params model.UpsertDeviceParams) (*model.Device, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) DeviceRepository
}

type deviceRepo struct {
	db database.DBTX
}

func NewDeviceRepository(db *sqlx.DB) DeviceRepository {
	return &deviceRepo{db: db}
}

func (r *deviceRepo) WithTx(tx *sqlx.Tx) DeviceRepository {
	return &deviceRepo{db: tx}
}

func (r *deviceRepo) FindByDeviceID(ctx context.Context, deviceID string) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		SELECT * FROM devices WHERE device_id = $1
	`, deviceID)
	return HandleNotFound(&device, err)
}

type unclaimedCandidate struct {
	model.Device
	Candidates int `db:"candidates"`
}

func (r *deviceRepo) FindNewestUnclaimed(ctx context.Context, from, to time.Time) (*model.Device, int, error) {
	var row unclaimedCandidate
	err := r.db.GetContext(ctx, &row, `
		SELECT *, COUNT(*) OVER () AS candidates
		FROM devices
		WHERE owner IS NULL
		  AND deleted_at IS NULL
		  AND last_heartbeat_at >= $1
		  AND last_heartbeat_at <= $2
		ORDER BY last_heartbeat_at DESC, device_id
		LIMIT 1
	`, from, to)
	device, err := HandleNotFound(&row.Device, err)
	if err != nil || device == nil {
		return nil, 0, err
	}
	return device, row.Candidates, nil
}

func (r *deviceRepo) Upsert(ctx context.Context, params model.UpsertDeviceParams) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		INSERT INTO devices (
			device_id, owner, owner_username, organization_id, group_id,
			friendly_name, notes, connection_secret, last_heartbeat_at, deleted_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9::timestamptz, NOW()), NULL)
		ON CONFLICT (device_id) DO UPDATE SET
			owner = COALESCE(devices.owner, EXCLUDED.owner),
			owner_username = CASE WHEN devices.owner IS NULL
				THEN EXCLUDED.owner_username ELSE devices.owner_username END,
			organization_id = CASE WHEN devices.owner IS NULL
				THEN COALESCE(EXCLUDED.organization_id, devices.organization_id)
				ELSE devices.organization_id END,
			group_id = CASE WHEN devices.owner IS NULL OR devices.owner = EXCLUDED.owner
				THEN COALESCE(EXCLUDED.group_id, devices.group_id) ELSE devices.group_id END,
			friendly_name = CASE WHEN devices.owner IS NULL OR devices.owner = EXCLUDED.owner
				THEN COALESCE(EXCLUDED.friendly_name, devices.friendly_name) ELSE devices.friendly_name END,
			notes = CASE WHEN $10::boolean OR (devices.owner IS NOT NULL AND devices.owner <> EXCLUDED.owner)
				THEN devices.notes ELSE EXCLUDED.notes END,
			connection_secret = CASE WHEN devices.owner IS NULL OR devices.owner = EXCLUDED.owner
				THEN COALESCE(EXCLUDED.connection_secret, devices.connection_secret)
				ELSE devices.connection_secret END,
			last_heartbeat_at = COALESCE($9::timestamptz, devices.last_heartbeat_at),
			deleted_at = NULL,
			updated_at = NOW()
		RETURNING *
	`,
		params.DeviceID, params.Owner, params.OwnerUsername, params.OrganizationID, params.GroupID,
		params.FriendlyName, params.Notes, params.ConnectionSecret, params.HeartbeatAt, params.KeepNotes,
	)
	if err != nil {
		return nil, err
	}
	return &device, nil
}
