package service

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/bwb/device-claim-server/internal/model"
	"github.com/bwb/device-claim-server/internal/repository"
	"github.com/bwb/device-claim-server/internal/util"
)

const annotationSeparator = " | "

// Annotation says where a device's notes come from on a claim.
type Annotation interface {
	isAnnotation()
}

// ExplicitAnnotation replaces the notes verbatim. A nil Value clears them.
type ExplicitAnnotation struct {
	Value *string
}

// ComposedAnnotation rebuilds the notes from group and subgroup display names
// and free-text observations, skipping whatever is missing.
type ComposedAnnotation struct {
	GroupID      *string
	SubgroupID   *string
	Observations *string
}

// UnchangedAnnotation keeps the stored notes.
type UnchangedAnnotation struct{}

func (ExplicitAnnotation) isAnnotation()  {}
func (ComposedAnnotation) isAnnotation()  {}
func (UnchangedAnnotation) isAnnotation() {}

// ClaimInput carries the optional device fields written with a claim. Nil
// fields leave the stored value alone.
type ClaimInput struct {
	GroupID          *string
	SubgroupID       *string
	FriendlyName     *string
	Annotation       Annotation
	ConnectionSecret *string
	HeartbeatAt      *time.Time
}

// OwnershipService is the single write path for device ownership.
type OwnershipService struct {
	devices       repository.DeviceRepository
	groups        repository.GroupRepository
	encryptionKey string
}

func NewOwnershipService(
	devices repository.DeviceRepository,
	groups repository.GroupRepository,
	encryptionKey string,
) *OwnershipService {
	return &OwnershipService{
		devices:       devices,
		groups:        groups,
		encryptionKey: encryptionKey,
	}
}

// UpsertTx claims deviceID for claimant inside the caller's transaction unless
// someone already owns it. The returned device carries the owner that actually
// holds it; a non-owner's presentation fields are not written.
func (s *OwnershipService) UpsertTx(ctx context.Context, tx *sqlx.Tx, deviceID string, claimant model.Identity, in ClaimInput) (*model.Device, error) {
	return s.upsert(ctx, s.devices.WithTx(tx), deviceID, claimant, in)
}

func (s *OwnershipService) upsert(
	ctx context.Context,
	devices repository.DeviceRepository,
	deviceID string,
	claimant model.Identity,
	in ClaimInput,
) (*model.Device, error) {
	params := model.UpsertDeviceParams{
		DeviceID:       deviceID,
		Owner:          claimant.UserID,
		OwnerUsername:  claimant.Username,
		OrganizationID: claimant.OrganizationID,
		GroupID:        firstNonEmpty(in.SubgroupID, in.GroupID),
		FriendlyName:   firstNonEmpty(in.FriendlyName),
		HeartbeatAt:    in.HeartbeatAt,
	}

	params.Notes, params.KeepNotes = s.resolveAnnotation(ctx, in.Annotation)

	if secret := firstNonEmpty(in.ConnectionSecret); secret != nil {
		sealed, err := s.sealSecret(*secret)
		if err != nil {
			return nil, err
		}
		params.ConnectionSecret = &sealed
	}

	device, err := devices.Upsert(ctx, params)
	if err != nil {
		return nil, storeFailure("upsert device", err)
	}

	if !device.OwnedBy(claimant.UserID) {
		log.Info().
			Str("deviceId", deviceID).
			Str("claimant", claimant.UserID).
			Msg("device already owned, owner kept")
	}

	return device, nil
}

// resolveAnnotation returns the notes value to write and whether the stored
// value should be kept instead.
func (s *OwnershipService) resolveAnnotation(ctx context.Context, annotation Annotation) (*string, bool) {
	switch a := annotation.(type) {
	case ExplicitAnnotation:
		return a.Value, false
	case ComposedAnnotation:
		return s.composeAnnotation(ctx, a), false
	default:
		return nil, true
	}
}

func (s *OwnershipService) composeAnnotation(ctx context.Context, a ComposedAnnotation) *string {
	var parts []string
	for _, id := range []*string{a.GroupID, a.SubgroupID} {
		if name := s.groupName(ctx, id); name != "" {
			parts = append(parts, name)
		}
	}
	if obs := firstNonEmpty(a.Observations); obs != nil {
		parts = append(parts, *obs)
	}
	if len(parts) == 0 {
		return nil
	}
	notes := strings.Join(parts, annotationSeparator)
	return &notes
}

// groupName resolves a group id to its display name. Lookup failures drop the
// segment rather than failing the claim.
func (s *OwnershipService) groupName(ctx context.Context, id *string) string {
	if id == nil || *id == "" {
		return ""
	}
	if !util.IsValidUUID(*id) {
		return ""
	}
	group, err := s.groups.FindByID(ctx, *id)
	if err != nil {
		log.Warn().Err(err).Str("groupId", *id).Msg("group lookup failed")
		return ""
	}
	if group == nil {
		return ""
	}
	return group.Name
}

func (s *OwnershipService) sealSecret(secret string) (string, error) {
	if s.encryptionKey == "" {
		return secret, nil
	}
	sealed, err := util.Encrypt(s.encryptionKey, secret)
	if err != nil {
		return "", err
	}
	return sealed, nil
}

func firstNonEmpty(values ...*string) *string {
	for _, v := range values {
		if v != nil && strings.TrimSpace(*v) != "" {
			return v
		}
	}
	return nil
}
