package handler

import (
	"bytes"
	"encoding/json"
	"time"

	apperrors "github.com/bwb/device-claim-server/internal/errors"
	"github.com/bwb/device-claim-server/internal/service"
	"github.com/bwb/device-claim-server/internal/util"
)

// claimRequest is the body shared by every endpoint that claims a device.
type claimRequest struct {
	DeviceID         string     `json:"deviceId"`
	DeviceHint       *string    `json:"deviceHint"`
	FriendlyName     *string    `json:"friendlyName"`
	GroupID          *string    `json:"groupId"`
	SubgroupID       *string    `json:"subgroupId"`
	Observations     *string    `json:"observations"`
	ConnectionSecret *string    `json:"connectionSecret"`
	LastSeenAt       *time.Time `json:"lastSeenAt"`
	// Notes is kept raw so a present null can be told apart from an absent key.
	Notes json.RawMessage `json:"notes"`
}

func (req *claimRequest) claimInput() (service.ClaimInput, error) {
	for _, id := range []*string{req.GroupID, req.SubgroupID} {
		if id != nil && *id != "" && !util.IsValidUUID(*id) {
			return service.ClaimInput{}, apperrors.ValidationError("groupId and subgroupId must be UUIDs")
		}
	}

	annotation, err := req.annotation()
	if err != nil {
		return service.ClaimInput{}, err
	}

	return service.ClaimInput{
		GroupID:          req.GroupID,
		SubgroupID:       req.SubgroupID,
		FriendlyName:     req.FriendlyName,
		Annotation:       annotation,
		ConnectionSecret: req.ConnectionSecret,
		HeartbeatAt:      req.LastSeenAt,
	}, nil
}

func (req *claimRequest) annotation() (service.Annotation, error) {
	if req.Notes != nil {
		if bytes.Equal(bytes.TrimSpace(req.Notes), []byte("null")) {
			return service.ExplicitAnnotation{}, nil
		}
		var notes string
		if err := json.Unmarshal(req.Notes, &notes); err != nil {
			return nil, apperrors.ValidationError("notes must be a string or null")
		}
		return service.ExplicitAnnotation{Value: &notes}, nil
	}

	if req.GroupID != nil || req.SubgroupID != nil || req.Observations != nil {
		return service.ComposedAnnotation{
			GroupID:      req.GroupID,
			SubgroupID:   req.SubgroupID,
			Observations: req.Observations,
		}, nil
	}

	return service.UnchangedAnnotation{}, nil
}
