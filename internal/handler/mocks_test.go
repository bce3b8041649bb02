package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/bwb/device-claim-server/internal/middleware"
	"github.com/bwb/device-claim-server/internal/model"
	"github.com/bwb/device-claim-server/internal/service"
)

const testSessionID = "3c5e7a9b-1d3f-4a6c-8e0b-2a4c6e8f0b33"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testIdentity() model.Identity {
	return model.Identity{UserID: "user-1", Username: "alice", CanInitiatePairing: true}
}

func withIdentity(r *http.Request, identity model.Identity) *http.Request {
	return r.WithContext(middleware.WithIdentity(r.Context(), identity))
}

type mockSessions struct {
	mock.Mock
}

func (m *mockSessions) ReapOwnExpiredSessions(ctx context.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockSessions) CreateSession(ctx context.Context, identity model.Identity, meta model.ClientMeta) (*service.CreatedSession, error) {
	args := m.Called(ctx, identity, meta)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.CreatedSession), args.Error(1)
}

func (m *mockSessions) RotateRegistrationToken(ctx context.Context, sessionID, userID string) (string, *model.PairingSession, error) {
	args := m.Called(ctx, sessionID, userID)
	if args.Get(1) == nil {
		return args.String(0), nil, args.Error(2)
	}
	return args.String(0), args.Get(1).(*model.PairingSession), args.Error(2)
}

func (m *mockSessions) Now() time.Time {
	return testNow
}

type mockPoller struct {
	mock.Mock
}

func (m *mockPoller) Poll(ctx context.Context, identity model.Identity, sessionID string) (*service.SessionView, error) {
	args := m.Called(ctx, identity, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SessionView), args.Error(1)
}

type mockDirect struct {
	mock.Mock
}

func (m *mockDirect) ClaimBySessionID(ctx context.Context, identity model.Identity, sessionID, rawDeviceID string, in service.ClaimInput) (*service.SessionView, error) {
	args := m.Called(ctx, identity, sessionID, rawDeviceID, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SessionView), args.Error(1)
}

func (m *mockDirect) ClaimByRegistrationToken(ctx context.Context, token, rawDeviceID string, in service.ClaimInput) (*service.SessionView, error) {
	args := m.Called(ctx, token, rawDeviceID, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SessionView), args.Error(1)
}

type mockProvisioner struct {
	mock.Mock
}

func (m *mockProvisioner) Issue(ctx context.Context, userID string) (*model.ProvisioningCode, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ProvisioningCode), args.Error(1)
}

func (m *mockProvisioner) Redeem(ctx context.Context, req service.RedeemRequest) (*service.RedeemResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.RedeemResult), args.Error(1)
}

func (m *mockProvisioner) ConsumeToken(ctx context.Context, token, rawDeviceID string, deviceHint *string, in service.ClaimInput) (*model.Device, error) {
	args := m.Called(ctx, token, rawDeviceID, deviceHint, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Device), args.Error(1)
}

func (m *mockProvisioner) Bundle(ctx context.Context, token string) (*service.SignedBundle, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SignedBundle), args.Error(1)
}

func (m *mockProvisioner) Revoke(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}
