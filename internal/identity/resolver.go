package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/bwb/device-claim-server/internal/errors"
	"github.com/bwb/device-claim-server/internal/model"
	"github.com/bwb/device-claim-server/internal/repository"
)

// Claims is the bearer token payload issued by the identity provider.
type Claims struct {
	PreferredUsername string `json:"preferred_username,omitempty"`
	Username          string `json:"username,omitempty"`
	Domain            string `json:"domain,omitempty"`
	OrganizationID    string `json:"org,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) username() string {
	if c.PreferredUsername != "" {
		return c.PreferredUsername
	}
	if c.Username != "" {
		return c.Username
	}
	return c.Subject
}

// Resolver turns a bearer token into the caller identity, creating the local
// user row on first sight.
type Resolver struct {
	secret  []byte
	issuer  string
	users   repository.UserRepository
	canPair func(subject string) bool
	timeNow func() time.Time
}

func NewResolver(secret, issuer string, users repository.UserRepository, canPair func(subject string) bool) *Resolver {
	if canPair == nil {
		canPair = func(string) bool { return true }
	}
	return &Resolver{
		secret:  []byte(secret),
		issuer:  issuer,
		users:   users,
		canPair: canPair,
		timeNow: time.Now,
	}
}

// Resolve validates raw and returns the identity it speaks for.
func (r *Resolver) Resolve(ctx context.Context, raw string) (model.Identity, error) {
	claims, err := r.parse(raw)
	if err != nil {
		log.Debug().Err(err).Msg("bearer token rejected")
		return model.Identity{}, apperrors.Unauthorized("Invalid token")
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return model.Identity{}, apperrors.Unauthorized("Invalid token")
	}

	var org *string
	if claims.OrganizationID != "" {
		org = &claims.OrganizationID
	}

	user, err := r.users.Ensure(ctx, model.User{
		ID:             uuid.NewString(),
		AuthSubject:    subject,
		Username:       claims.username(),
		Domain:         claims.Domain,
		OrganizationID: org,
	})
	if err != nil {
		return model.Identity{}, apperrors.StoreUnavailable(fmt.Errorf("ensure user: %w", err))
	}

	return model.IdentityFromUser(user, r.canPair(subject)), nil
}

func (r *Resolver) parse(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.timeNow),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Sign mints a token the resolver accepts. Used by the dev token script and
// tests.
func (r *Resolver) Sign(claims Claims, ttl time.Duration) (string, error) {
	now := r.timeNow()
	if claims.Issuer == "" {
		claims.Issuer = r.issuer
	}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}
