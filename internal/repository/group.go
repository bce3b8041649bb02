package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/bwb/device-claim-server/internal/model"
)

// GroupRepository is the read side of the device group hierarchy.
type GroupRepository interface {
	FindByID(ctx context.Context, id string) (*model.DeviceGroup, error)
}

type groupRepo struct {
	db *sqlx.DB
}

func NewGroupRepository(db *sqlx.DB) GroupRepository {
	return &groupRepo{db: db}
}

func (r *groupRepo) FindByID(ctx context.Context, id string) (*model.DeviceGroup, error) {
	var group model.DeviceGroup
	err := r.db.GetContext(ctx, &group, `
		SELECT * FROM device_groups WHERE id = $1
	`, id)
	return HandleNotFound(&group, err)
}
