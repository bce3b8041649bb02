package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/bwb/device-claim-server/internal/model"
	"github.com/bwb/device-claim-server/internal/service"
)

type stubLimiter struct {
	allowed bool
	resetAt time.Time
	keys    []string
}

func (s *stubLimiter) CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time) {
	s.keys = append(s.keys, key)
	return s.allowed, s.resetAt
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("buckets by client ip", func(t *testing.T) {
		limiter := &stubLimiter{allowed: true, resetAt: now.Add(time.Minute)}
		mw := NewRateLimitMiddleware(limiter, 20, time.Minute, "claim", ByIP)

		req := httptest.NewRequest(http.MethodPost, "/v1/provisioning/claim", nil)
		req.RemoteAddr = "198.51.100.4:5123"
		rec := httptest.NewRecorder()
		mw.Handler(okHandler()).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"claim:198.51.100.4"}, limiter.keys)
		assert.Equal(t, "20", rec.Header().Get("X-RateLimit-Limit"))
	})

	t.Run("rejected request gets retry after", func(t *testing.T) {
		limiter := &stubLimiter{allowed: false, resetAt: now.Add(30 * time.Second)}
		mw := NewRateLimitMiddleware(limiter, 20, time.Minute, "claim", ByIP)
		mw.timeNow = func() time.Time { return now }

		req := httptest.NewRequest(http.MethodPost, "/v1/provisioning/claim", nil)
		rec := httptest.NewRecorder()
		mw.Handler(okHandler()).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "31", rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), "RATE_LIMIT_EXCEEDED")
	})

	t.Run("identity bucket skips anonymous requests", func(t *testing.T) {
		limiter := &stubLimiter{allowed: false}
		mw := NewRateLimitMiddleware(limiter, 5, time.Minute, "codes", ByIdentity)

		req := httptest.NewRequest(http.MethodPost, "/v1/provisioning/codes", nil)
		rec := httptest.NewRecorder()
		mw.Handler(okHandler()).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, limiter.keys)
	})

	t.Run("identity bucket uses the user id", func(t *testing.T) {
		limiter := &stubLimiter{allowed: true, resetAt: now}
		mw := NewRateLimitMiddleware(limiter, 5, time.Minute, "codes", ByIdentity)

		req := httptest.NewRequest(http.MethodPost, "/v1/provisioning/codes", nil)
		req = req.WithContext(WithIdentity(req.Context(), model.Identity{UserID: "user-1"}))
		rec := httptest.NewRecorder()
		mw.Handler(okHandler()).ServeHTTP(rec, req)

		assert.Equal(t, []string{"codes:user-1"}, limiter.keys)
	})

	t.Run("redis limiter enforces the limit", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		mw := NewRateLimitMiddleware(service.NewRateLimiter(client), 2, time.Minute, "claim", ByIP)
		handler := mw.Handler(okHandler())

		codes := make([]int, 0, 3)
		for i := 0; i < 3; i++ {
			req := httptest.NewRequest(http.MethodPost, "/v1/provisioning/claim", nil)
			req.RemoteAddr = "203.0.113.9:4000"
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			codes = append(codes, rec.Code)
		}

		assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	})
}
