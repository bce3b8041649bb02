package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/bwb/device-claim-server/internal/audit"
	"github.com/bwb/device-claim-server/internal/config"
	"github.com/bwb/device-claim-server/internal/database"
	apperrors "github.com/bwb/device-claim-server/internal/errors"
	"github.com/bwb/device-claim-server/internal/model"
	"github.com/bwb/device-claim-server/internal/repository"
	"github.com/bwb/device-claim-server/internal/sse"
	"github.com/bwb/device-claim-server/internal/util"
)

// ProvisioningPolicy holds the tunables of code redemption.
type ProvisioningPolicy struct {
	CodeTTL          time.Duration
	TokenTTL         time.Duration
	LockoutThreshold int
	LockoutDuration  time.Duration
}

// RedeemRequest is one redemption attempt by a provisioning client. CodeID is
// optional; without it the code is looked up by its digits.
type RedeemRequest struct {
	CodeID     string
	Code       string
	ClientIP   string
	DeviceHint *string
	Nonce      *string
}

// RedeemResult carries the freshly minted provisioning token. Token is the
// only copy; the store keeps its hash.
type RedeemResult struct {
	Token     string
	ExpiresAt time.Time
	UserID    string
	TenantID  string
}

type ProvisioningService struct {
	tx        database.TxRunner
	codes     repository.ProvisioningCodeRepository
	tokens    repository.ProvisioningTokenRepository
	users     repository.UserRepository
	ownership *OwnershipService
	events    EventPublisher
	policy    ProvisioningPolicy
	server    PairingConfig
	now       func() time.Time
}

func NewProvisioningService(
	tx database.TxRunner,
	codes repository.ProvisioningCodeRepository,
	tokens repository.ProvisioningTokenRepository,
	users repository.UserRepository,
	ownership *OwnershipService,
	events EventPublisher,
	policy ProvisioningPolicy,
	server PairingConfig,
) *ProvisioningService {
	return &ProvisioningService{
		tx:        tx,
		codes:     codes,
		tokens:    tokens,
		users:     users,
		ownership: ownership,
		events:    events,
		policy:    policy,
		server:    server,
		now:       time.Now,
	}
}

// Issue creates a fresh 4-digit code for userID. Digits are unique among
// unused codes; stale codes are expired first so their digits can be reused.
func (s *ProvisioningService) Issue(ctx context.Context, userID string) (*model.ProvisioningCode, error) {
	now := s.now()
	if _, err := s.codes.ExpireStale(ctx, now); err != nil {
		return nil, storeFailure("expire stale codes", err)
	}

	for attempt := 0; attempt < config.ProvisionCodeMaxAttempts; attempt++ {
		digits, err := util.GenerateNumericCode(config.ProvisionCodeDigits)
		if err != nil {
			return nil, apperrors.Internal("Failed to generate code").WithCause(err)
		}

		code, err := s.codes.Create(ctx, model.CreateProvisioningCodeParams{
			ID:        uuid.NewString(),
			Code:      digits,
			UserID:    userID,
			ExpiresAt: now.Add(s.policy.CodeTTL),
		})
		if database.IsUniqueViolation(err) {
			log.Debug().Int("attempt", attempt+1).Msg("provisioning code collision, retrying")
			continue
		}
		if err != nil {
			return nil, storeFailure("create provisioning code", err)
		}

		log.Info().
			Str("codeId", code.ID).
			Str("code", util.MaskCode(code.Code)).
			Str("userId", userID).
			Time("expiresAt", code.ExpiresAt).
			Msg("provisioning code issued")

		audit.Log(ctx, audit.Event{
			Type:    audit.EventCodeIssue,
			UserID:  userID,
			Details: map[string]interface{}{"codeId": code.ID},
		})

		return code, nil
	}

	return nil, apperrors.Internal("Could not allocate a provisioning code")
}

// Redeem validates a code and, on success, trades it for a provisioning token
// in the same transaction that marks the code used.
func (s *ProvisioningService) Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	digits := strings.TrimSpace(req.Code)

	code, err := s.lookupCode(ctx, req.CodeID, digits)
	if err != nil {
		s.auditFailure(ctx, req, "", "lookup")
		return nil, err
	}

	if code.Status != model.CodeStatusUnused {
		s.auditFailure(ctx, req, code.ID, string(code.Status))
		return nil, apperrors.AlreadyUsedOrExpired()
	}

	now := s.now()
	if now.After(code.ExpiresAt) {
		if err := s.codes.MarkExpired(ctx, code.ID); err != nil {
			return nil, storeFailure("expire provisioning code", err)
		}
		s.auditFailure(ctx, req, code.ID, "expired")
		return nil, apperrors.CodeExpired()
	}

	if code.LockedAt(now) {
		s.auditFailure(ctx, req, code.ID, "locked")
		return nil, apperrors.LockedOut()
	}

	if err := s.codes.RecordAttempt(ctx, code.ID, req.ClientIP, now); err != nil {
		return nil, storeFailure("record redemption attempt", err)
	}

	if !util.ConstantTimeEqual(digits, code.Code) {
		return nil, s.recordMismatch(ctx, req, code, now)
	}

	return s.mintToken(ctx, req, code, now)
}

func (s *ProvisioningService) lookupCode(ctx context.Context, codeID, digits string) (*model.ProvisioningCode, error) {
	if codeID != "" {
		if !util.IsValidUUID(codeID) {
			return nil, apperrors.NotFound("Provisioning code")
		}
		code, err := s.codes.FindByID(ctx, codeID)
		if err != nil {
			return nil, storeFailure("find provisioning code", err)
		}
		if code == nil {
			return nil, apperrors.NotFound("Provisioning code")
		}
		return code, nil
	}

	// Without an id a miss must look exactly like a wrong guess.
	if !util.IsNumericCode(digits, config.ProvisionCodeDigits) {
		return nil, apperrors.InvalidCode()
	}
	code, err := s.codes.FindUnusedByCode(ctx, digits)
	if err != nil {
		return nil, storeFailure("find provisioning code", err)
	}
	if code == nil {
		return nil, apperrors.InvalidCode()
	}
	return code, nil
}

func (s *ProvisioningService) recordMismatch(ctx context.Context, req RedeemRequest, code *model.ProvisioningCode, now time.Time) error {
	updated, err := s.codes.RecordFailure(ctx, code.ID, s.policy.LockoutThreshold, now.Add(s.policy.LockoutDuration))
	if err != nil {
		return storeFailure("record failed redemption", err)
	}

	s.auditFailure(ctx, req, code.ID, "mismatch")

	if updated.LockedAt(now) {
		log.Warn().
			Str("codeId", code.ID).
			Int("failedAttempts", updated.FailedAttempts).
			Time("lockoutUntil", *updated.LockoutUntil).
			Msg("provisioning code locked")

		audit.Log(ctx, audit.Event{
			Type:   audit.EventCodeLockout,
			UserID: code.UserID,
			IP:     req.ClientIP,
			Details: map[string]interface{}{
				"codeId":         code.ID,
				"failedAttempts": updated.FailedAttempts,
			},
		})
	}

	return apperrors.InvalidCode()
}

func (s *ProvisioningService) mintToken(ctx context.Context, req RedeemRequest, code *model.ProvisioningCode, now time.Time) (*RedeemResult, error) {
	owner, err := s.users.FindByID(ctx, code.UserID)
	if err != nil {
		return nil, storeFailure("find code owner", err)
	}
	if owner == nil {
		return nil, apperrors.NotFound("Provisioning code")
	}

	token, err := util.GeneratePrefixedToken(util.ProvisionTokenPrefix)
	if err != nil {
		return nil, apperrors.Internal("Failed to generate token").WithCause(err)
	}

	var nonceHash *string
	if nonce := firstNonEmpty(req.Nonce); nonce != nil {
		h := util.HashToken(*nonce)
		nonceHash = &h
	}

	expiresAt := now.Add(s.policy.TokenTTL)
	err = s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		won, err := s.codes.WithTx(tx).MarkUsed(ctx, code.ID)
		if err != nil {
			return storeFailure("mark provisioning code used", err)
		}
		if !won {
			return apperrors.AlreadyUsedOrExpired()
		}

		_, err = s.tokens.WithTx(tx).Create(ctx, model.CreateProvisioningTokenParams{
			ID:         uuid.NewString(),
			TokenHash:  util.HashToken(token),
			CodeID:     code.ID,
			ExpiresAt:  expiresAt,
			DeviceHint: firstNonEmpty(req.DeviceHint),
			NonceHash:  nonceHash,
			ClientIP:   req.ClientIP,
		})
		if err != nil {
			return storeFailure("create provisioning token", err)
		}
		return nil
	})
	if err != nil {
		return nil, txFailure("redeem provisioning code", err)
	}

	log.Info().
		Str("codeId", code.ID).
		Str("userId", owner.ID).
		Str("clientIp", req.ClientIP).
		Msg("provisioning code redeemed")

	audit.Log(ctx, audit.Event{
		Type:    audit.EventCodeRedeem,
		UserID:  owner.ID,
		IP:      req.ClientIP,
		Details: map[string]interface{}{"codeId": code.ID},
	})

	return &RedeemResult{
		Token:     token,
		ExpiresAt: expiresAt,
		UserID:    owner.ID,
		TenantID:  owner.Domain,
	}, nil
}

func (s *ProvisioningService) auditFailure(ctx context.Context, req RedeemRequest, codeID, reason string) {
	details := map[string]interface{}{"reason": reason}
	if codeID != "" {
		details["codeId"] = codeID
	}
	audit.Log(ctx, audit.Event{
		Type:    audit.EventCodeRedeemFail,
		IP:      req.ClientIP,
		Details: details,
	})
}

// ConsumeToken spends a provisioning token to claim rawDeviceID for the
// owner of the code the token was minted from.
func (s *ProvisioningService) ConsumeToken(
	ctx context.Context,
	token string,
	rawDeviceID string,
	deviceHint *string,
	in ClaimInput,
) (*model.Device, error) {
	deviceID, err := NormalizeDeviceID(rawDeviceID)
	if err != nil {
		return nil, err
	}

	tok, now, err := s.activeToken(ctx, token, deviceID)
	if err != nil {
		return nil, err
	}

	owner, err := s.codeOwner(ctx, tok.CodeID)
	if err != nil {
		return nil, err
	}
	identity := model.IdentityFromUser(owner, true)

	var device *model.Device
	err = s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		won, err := s.tokens.WithTx(tx).Consume(ctx, tok.ID, deviceID, firstNonEmpty(deviceHint), now)
		if err != nil {
			return storeFailure("consume provisioning token", err)
		}
		if !won {
			return apperrors.TokenAlreadyConsumed()
		}

		d, err := s.ownership.UpsertTx(ctx, tx, deviceID, identity, in)
		if err != nil {
			return err
		}
		if !d.OwnedBy(identity.UserID) {
			return apperrors.DeviceAlreadyOwned()
		}
		device = d
		return nil
	})
	if err != nil {
		if appErr, ok := apperrors.AsAppError(err); ok {
			s.auditTokenReject(ctx, tok, deviceID, string(appErr.Code))
		}
		return nil, txFailure("consume provisioning token", err)
	}

	log.Info().
		Str("tokenId", tok.ID).
		Str("deviceId", deviceID).
		Str("userId", identity.UserID).
		Msg("provisioning token consumed")

	audit.Log(ctx, audit.Event{
		Type:     audit.EventTokenConsume,
		UserID:   identity.UserID,
		DeviceID: deviceID,
		Details:  map[string]interface{}{"tokenId": tok.ID, "codeId": tok.CodeID},
	})

	publish(ctx, s.events, EventScope(identity), sse.EventDeviceClaimed, ClaimEventData{
		DeviceID: deviceID,
		OwnerID:  identity.UserID,
		Source:   SourceProvisioning,
	})

	return device, nil
}

// activeToken resolves token and fails unless it is still issued and inside
// its TTL. A token found past its TTL is marked expired on the way out.
func (s *ProvisioningService) activeToken(ctx context.Context, token, deviceID string) (*model.ProvisioningToken, time.Time, error) {
	tok, err := s.tokens.FindByHash(ctx, util.HashToken(token))
	if err != nil {
		return nil, time.Time{}, storeFailure("find provisioning token", err)
	}
	if tok == nil {
		return nil, time.Time{}, apperrors.Unauthorized("Invalid provisioning token")
	}

	switch tok.Status {
	case model.TokenStatusConsumed:
		s.auditTokenReject(ctx, tok, deviceID, "consumed")
		return nil, time.Time{}, apperrors.TokenAlreadyConsumed()
	case model.TokenStatusExpired:
		s.auditTokenReject(ctx, tok, deviceID, "expired")
		return nil, time.Time{}, apperrors.TokenExpired()
	}

	now := s.now()
	if now.After(tok.ExpiresAt) {
		if err := s.tokens.MarkExpired(ctx, tok.ID); err != nil {
			return nil, time.Time{}, storeFailure("expire provisioning token", err)
		}
		s.auditTokenReject(ctx, tok, deviceID, "expired")
		return nil, time.Time{}, apperrors.TokenExpired()
	}
	return tok, now, nil
}

// Bundle returns the connection configuration for the holder of an issued,
// unexpired provisioning token. The token is not spent.
func (s *ProvisioningService) Bundle(ctx context.Context, token string) (*SignedBundle, error) {
	tok, _, err := s.activeToken(ctx, token, "")
	if err != nil {
		return nil, err
	}

	signed, err := s.server.Bundle()
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("tokenId", tok.ID).
		Str("bundleHash", signed.Hash).
		Msg("provisioning bundle served")

	return &signed, nil
}

// Revoke retires an issued token. Unknown and already retired tokens are
// left alone and reported as success.
func (s *ProvisioningService) Revoke(ctx context.Context, token string) error {
	tok, err := s.tokens.FindByHash(ctx, util.HashToken(token))
	if err != nil {
		return storeFailure("find provisioning token", err)
	}
	if tok == nil || tok.Status != model.TokenStatusIssued {
		return nil
	}

	if err := s.tokens.MarkExpired(ctx, tok.ID); err != nil {
		return storeFailure("revoke provisioning token", err)
	}

	log.Info().
		Str("tokenId", tok.ID).
		Str("codeId", tok.CodeID).
		Msg("provisioning token revoked")

	audit.Log(ctx, audit.Event{
		Type:    audit.EventTokenRevoke,
		Details: map[string]interface{}{"tokenId": tok.ID, "codeId": tok.CodeID},
	})
	return nil
}

func (s *ProvisioningService) codeOwner(ctx context.Context, codeID string) (*model.User, error) {
	code, err := s.codes.FindByID(ctx, codeID)
	if err != nil {
		return nil, storeFailure("find provisioning code", err)
	}
	if code == nil {
		return nil, apperrors.Unauthorized("Invalid provisioning token")
	}
	owner, err := s.users.FindByID(ctx, code.UserID)
	if err != nil {
		return nil, storeFailure("find code owner", err)
	}
	if owner == nil {
		return nil, apperrors.Unauthorized("Invalid provisioning token")
	}
	return owner, nil
}

func (s *ProvisioningService) auditTokenReject(ctx context.Context, tok *model.ProvisioningToken, deviceID, reason string) {
	audit.Log(ctx, audit.Event{
		Type:     audit.EventTokenReject,
		DeviceID: deviceID,
		Details:  map[string]interface{}{"tokenId": tok.ID, "reason": reason},
	})
}
