package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/bwb/device-claim-server/internal/audit"
	apperrors "github.com/bwb/device-claim-server/internal/errors"
	"github.com/bwb/device-claim-server/internal/httputil"
	"github.com/bwb/device-claim-server/internal/model"
)

type contextKey string

const IdentityContextKey contextKey = "identity"

// EventStreamPath is the only route that takes its credential from ?token=.
const EventStreamPath = "/v1/events"

// GetIdentity returns the caller resolved by IdentityMiddleware.
func GetIdentity(ctx context.Context) (model.Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey).(model.Identity)
	return identity, ok
}

// WithIdentity stores identity on ctx.
func WithIdentity(ctx context.Context, identity model.Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey, identity)
}

type IdentityResolver interface {
	Resolve(ctx context.Context, raw string) (model.Identity, error)
}

type IdentityMiddleware struct {
	resolver IdentityResolver
}

func NewIdentityMiddleware(resolver IdentityResolver) *IdentityMiddleware {
	return &IdentityMiddleware{resolver: resolver}
}

func (m *IdentityMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			httputil.WriteError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		identity, err := m.resolver.Resolve(r.Context(), token)
		if err != nil {
			if apperrors.HasCode(err, apperrors.ErrCodeUnauthorized) {
				audit.LogFromRequest(r, audit.Event{
					Type:    audit.EventAuthFailure,
					Details: map[string]interface{}{"path": r.URL.Path},
				})
			}
			httputil.WriteError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// extractToken prefers the Authorization header. The event stream also
// accepts ?token= since EventSource cannot set headers.
func extractToken(r *http.Request) string {
	if token := BearerToken(r); token != "" {
		return token
	}
	if r.URL.Path == EventStreamPath {
		return r.URL.Query().Get("token")
	}
	return ""
}

// BearerToken returns the Authorization bearer credential, if any.
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}
