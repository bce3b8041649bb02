package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bwb/device-claim-server/internal/audit"
	apperrors "github.com/bwb/device-claim-server/internal/errors"
	"github.com/bwb/device-claim-server/internal/httputil"
)

type Limiter interface {
	CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time)
}

// KeyFunc names the bucket a request counts against. An empty key skips
// limiting.
type KeyFunc func(r *http.Request) string

// ByIP buckets requests by client address.
func ByIP(r *http.Request) string {
	return audit.ClientIP(r)
}

// ByIdentity buckets requests by the resolved caller.
func ByIdentity(r *http.Request) string {
	identity, ok := GetIdentity(r.Context())
	if !ok {
		return ""
	}
	return identity.UserID
}

type RateLimitMiddleware struct {
	limiter Limiter
	limit   int
	window  time.Duration
	prefix  string
	key     KeyFunc
	timeNow func() time.Time
}

func NewRateLimitMiddleware(limiter Limiter, limit int, window time.Duration, prefix string, key KeyFunc) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		limit:   limit,
		window:  window,
		prefix:  prefix,
		key:     key,
		timeNow: time.Now,
	}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := m.key(r)
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := fmt.Sprintf("%s:%s", m.prefix, id)
		allowed, resetAt := m.limiter.CheckLimit(r.Context(), key, m.limit, m.window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				Details: map[string]interface{}{"bucket": m.prefix},
			})
			secondsLeft := int(resetAt.Sub(m.timeNow()).Seconds()) + 1
			if secondsLeft < 1 {
				secondsLeft = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secondsLeft))
			httputil.WriteError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}
