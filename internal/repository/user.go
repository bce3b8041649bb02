package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/bwb/device-claim-server/internal/model"
)

type UserRepository interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindByAuthSubject(ctx context.Context, subject string) (*model.User, error)
	// Ensure creates the user for subject on first sight and refreshes the
	// profile fields afterwards.
	Ensure(ctx context.Context, user model.User) (*model.User, error)
}

type userRepo struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `
		SELECT * FROM users WHERE id = $1
	`, id)
	return HandleNotFound(&user, err)
}

func (r *userRepo) FindByAuthSubject(ctx context.Context, subject string) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `
		SELECT * FROM users WHERE auth_subject = $1
	`, subject)
	return HandleNotFound(&user, err)
}

func (r *userRepo) Ensure(ctx context.Context, user model.User) (*model.User, error) {
	var stored model.User
	err := r.db.GetContext(ctx, &stored, `
		INSERT INTO users (id, auth_subject, username, domain, organization_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (auth_subject) DO UPDATE SET
			username = EXCLUDED.username,
			domain = EXCLUDED.domain,
			organization_id = COALESCE(EXCLUDED.organization_id, users.organization_id)
		RETURNING *
	`, user.ID, user.AuthSubject, user.Username, user.Domain, user.OrganizationID)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}
