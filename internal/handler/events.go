package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/bwb/device-claim-server/internal/errors"
	"github.com/bwb/device-claim-server/internal/service"
	"github.com/bwb/device-claim-server/internal/sse"
)

type EventSubscriber interface {
	Subscribe(scope string) *sse.Client
	Unsubscribe(client *sse.Client)
}

type EventsHandler struct {
	broker            EventSubscriber
	heartbeatInterval time.Duration
}

func NewEventsHandler(broker EventSubscriber) *EventsHandler {
	return &EventsHandler{
		broker:            broker,
		heartbeatInterval: sse.HeartbeatInterval,
	}
}

// GET /v1/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	scope := service.EventScope(identity)
	client := h.broker.Subscribe(scope)
	defer h.broker.Unsubscribe(client)

	log.Info().
		Str("scope", scope).
		Str("userId", identity.UserID).
		Msg("sse connection established")

	if err := h.sendEvent(w, flusher, "connected", map[string]any{"scope": scope}); err != nil {
		return
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("scope", scope).Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().Str("scope", scope).Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("scope", scope).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
