package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	apperrors "github.com/bwb/device-claim-server/internal/errors"
	"github.com/bwb/device-claim-server/internal/model"
	"github.com/bwb/device-claim-server/internal/sse"
)

// storeFailure lifts a repository error to the retryable STORE_UNAVAILABLE class.
func storeFailure(op string, err error) error {
	return apperrors.StoreUnavailable(fmt.Errorf("%s: %w", op, err))
}

// txFailure passes AppErrors raised inside a transaction through untouched and
// treats everything else as a store failure.
func txFailure(op string, err error) error {
	if apperrors.IsAppError(err) {
		return err
	}
	return storeFailure(op, err)
}

// EventPublisher fans claim events out to dashboards.
type EventPublisher interface {
	Publish(ctx context.Context, scope string, event sse.Event) error
}

// EventScope is the dashboard audience for an identity: its organization when
// it has one, otherwise the user alone.
func EventScope(identity model.Identity) string {
	if identity.OrganizationID != nil && *identity.OrganizationID != "" {
		return "org:" + *identity.OrganizationID
	}
	return "user:" + identity.UserID
}

func publish(ctx context.Context, events EventPublisher, scope, eventType string, data any) {
	if events == nil {
		return
	}
	event, err := sse.NewEvent(eventType, data)
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("failed to encode event")
		return
	}
	if err := events.Publish(ctx, scope, event); err != nil {
		log.Warn().Err(err).Str("scope", scope).Str("type", eventType).Msg("failed to publish event")
	}
}

// ClaimEventData is the payload of a device_claimed event.
type ClaimEventData struct {
	DeviceID  string `json:"deviceId"`
	OwnerID   string `json:"ownerId"`
	Source    string `json:"source"`
	SessionID string `json:"sessionId,omitempty"`
}

// Claim sources recorded on events and audit lines.
const (
	SourceTemporalMatch = "temporal_match"
	SourceDirectID      = "direct_id"
	SourcePairingToken  = "pairing_token"
	SourceProvisioning  = "provisioning"
)
