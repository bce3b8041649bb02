package model

import "time"

type User struct {
	ID             string    `db:"id" json:"id"`
	AuthSubject    string    `db:"auth_subject" json:"-"`
	Username       string    `db:"username" json:"username"`
	Domain         string    `db:"domain" json:"domain"`
	OrganizationID *string   `db:"organization_id" json:"organizationId,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

// Identity is the resolved caller every claim operation acts for.
type Identity struct {
	UserID             string
	Username           string
	Domain             string
	OrganizationID     *string
	CanInitiatePairing bool
}

// IdentityFromUser builds an identity for a stored user.
func IdentityFromUser(u *User, canInitiatePairing bool) Identity {
	return Identity{
		UserID:             u.ID,
		Username:           u.Username,
		Domain:             u.Domain,
		OrganizationID:     u.OrganizationID,
		CanInitiatePairing: canInitiatePairing,
	}
}
