package middleware

import (
	"net/http"

	"github.com/bwb/device-claim-server/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}
