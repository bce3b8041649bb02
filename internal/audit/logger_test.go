package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	original := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = original })
	return &buf
}

func TestLog(t *testing.T) {
	buf := captureLogs(t)

	Log(context.Background(), Event{
		Type:     EventCodeLockout,
		UserID:   "user-1",
		DeviceID: "123456",
		Details:  map[string]interface{}{"failedAttempts": 5, "codeId": "c-1"},
	})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "security", entry["audit"])
	assert.Equal(t, "provisioning_code_lockout", entry["event_type"])
	assert.Equal(t, "user-1", entry["user_id"])
	assert.Equal(t, "123456", entry["device_id"])
	assert.Equal(t, float64(5), entry["failedAttempts"])
	assert.Equal(t, "c-1", entry["codeId"])
}

func TestLogFromRequest(t *testing.T) {
	buf := captureLogs(t)

	req := httptest.NewRequest("POST", "/v1/provisioning/claim", nil)
	req.RemoteAddr = "198.51.100.7:4312"
	req.Header.Set("User-Agent", "provisioner/1.0")

	LogFromRequest(req, Event{Type: EventRateLimitExceed})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "198.51.100.7", entry["ip"])
	assert.Equal(t, "provisioner/1.0", entry["user_agent"])
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.9"
	assert.Equal(t, "203.0.113.9", ClientIP(req))
}
