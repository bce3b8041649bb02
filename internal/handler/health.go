package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bwb/device-claim-server/internal/config"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Health reports ok when PostgreSQL answers a ping.
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
		defer cancel()

		status, code := "ok", http.StatusOK
		if err := db.PingContext(ctx); err != nil {
			log.Warn().Err(err).Msg("health check: database unreachable")
			status, code = "degraded", http.StatusServiceUnavailable
		}

		writeJSON(w, code, map[string]any{
			"status":    status,
			"timestamp": time.Now().UnixMilli(),
		})
	}
}
