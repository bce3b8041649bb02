package model

import "time"

type Device struct {
	DeviceID         string     `db:"device_id" json:"deviceId"`
	Owner            *string    `db:"owner" json:"owner,omitempty"`
	OwnerUsername    *string    `db:"owner_username" json:"ownerUsername,omitempty"`
	OrganizationID   *string    `db:"organization_id" json:"organizationId,omitempty"`
	GroupID          *string    `db:"group_id" json:"groupId,omitempty"`
	FriendlyName     *string    `db:"friendly_name" json:"friendlyName,omitempty"`
	Notes            *string    `db:"notes" json:"notes,omitempty"`
	ConnectionSecret *string    `db:"connection_secret" json:"-"`
	LastHeartbeatAt  time.Time  `db:"last_heartbeat_at" json:"lastHeartbeatAt"`
	DeletedAt        *time.Time `db:"deleted_at" json:"-"`
	CreatedAt        time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updatedAt"`
}

// OwnedBy reports whether userID is the device's owner.
func (d *Device) OwnedBy(userID string) bool {
	return d.Owner != nil && *d.Owner == userID
}

// UpsertDeviceParams is the resolved write for a single claim. Nil pointers
// leave the stored value untouched.
type UpsertDeviceParams struct {
	DeviceID         string
	Owner            string
	OwnerUsername    string
	OrganizationID   *string
	GroupID          *string
	FriendlyName     *string
	KeepNotes        bool
	Notes            *string
	ConnectionSecret *string
	HeartbeatAt      *time.Time
}

type DeviceGroup struct {
	ID             string    `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	ParentID       *string   `db:"parent_id" json:"parentId,omitempty"`
	OrganizationID *string   `db:"organization_id" json:"organizationId,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}
