package service

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"

	"github.com/bwb/device-claim-server/internal/database"
	"github.com/bwb/device-claim-server/internal/model"
	"github.com/bwb/device-claim-server/internal/repository"
	"github.com/bwb/device-claim-server/internal/sse"
)

// fakeTx runs the callback directly. Repositories under test ignore the
// transaction handle.
type fakeTx struct {
	calls int
}

func (f *fakeTx) WithTx(ctx context.Context, fn database.TxFunc) error {
	f.calls++
	return fn(nil)
}

type mockDeviceRepo struct {
	mock.Mock
}

func (m *mockDeviceRepo) FindByDeviceID(ctx context.Context, deviceID string) (*model.Device, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Device), args.Error(1)
}

func (m *mockDeviceRepo) FindNewestUnclaimed(ctx context.Context, from, to time.Time) (*model.Device, int, error) {
	args := m.Called(ctx, from, to)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).(*model.Device), args.Int(1), args.Error(2)
}

func (m *mockDeviceRepo) Upsert(ctx context.Context, params model.UpsertDeviceParams) (*model.Device, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Device), args.Error(1)
}

func (m *mockDeviceRepo) WithTx(tx *sqlx.Tx) repository.DeviceRepository {
	return m
}

type mockGroupRepo struct {
	mock.Mock
}

func (m *mockGroupRepo) FindByID(ctx context.Context, id string) (*model.DeviceGroup, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DeviceGroup), args.Error(1)
}

type mockSessionRepo struct {
	mock.Mock
}

func (m *mockSessionRepo) Create(ctx context.Context, params model.CreatePairingSessionParams) (*model.PairingSession, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PairingSession), args.Error(1)
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.PairingSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PairingSession), args.Error(1)
}

func (m *mockSessionRepo) FindByRegistrationTokenHash(ctx context.Context, hash string) (*model.PairingSession, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PairingSession), args.Error(1)
}

func (m *mockSessionRepo) ExpireAwaitingByUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	args := m.Called(ctx, userID, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockSessionRepo) MarkExpired(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockSessionRepo) Complete(ctx context.Context, id, deviceID string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, deviceID, at)
	return args.Bool(0), args.Error(1)
}

func (m *mockSessionRepo) RotateRegistrationToken(ctx context.Context, id, hash string) (bool, error) {
	args := m.Called(ctx, id, hash)
	return args.Bool(0), args.Error(1)
}

func (m *mockSessionRepo) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockSessionRepo) WithTx(tx *sqlx.Tx) repository.PairingSessionRepository {
	return m
}

type mockUserRepo struct {
	mock.Mock
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}

func (m *mockUserRepo) FindByAuthSubject(ctx context.Context, subject string) (*model.User, error) {
	args := m.Called(ctx, subject)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}

func (m *mockUserRepo) Ensure(ctx context.Context, user model.User) (*model.User, error) {
	args := m.Called(ctx, user)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []sse.Event
	scopes []string
}

func (p *recordingPublisher) Publish(ctx context.Context, scope string, event sse.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.scopes = append(p.scopes, scope)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// fakeCodeRepo keeps provisioning codes in memory with the same conditional
// update semantics as the SQL repository.
type fakeCodeRepo struct {
	mu    sync.Mutex
	codes map[string]*model.ProvisioningCode
	// createErrs is consumed one per Create call before falling back to success.
	createErrs []error
	failNext   error
}

func newFakeCodeRepo() *fakeCodeRepo {
	return &fakeCodeRepo{codes: make(map[string]*model.ProvisioningCode)}
}

func (f *fakeCodeRepo) put(code model.ProvisioningCode) *model.ProvisioningCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := code
	f.codes[c.ID] = &c
	return &c
}

func (f *fakeCodeRepo) get(id string) model.ProvisioningCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.codes[id]
}

func (f *fakeCodeRepo) Create(ctx context.Context, params model.CreateProvisioningCodeParams) (*model.ProvisioningCode, error) {
	f.mu.Lock()
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	return f.put(model.ProvisioningCode{
		ID:        params.ID,
		Code:      params.Code,
		UserID:    params.UserID,
		CreatedAt: time.Now(),
		ExpiresAt: params.ExpiresAt,
		Status:    model.CodeStatusUnused,
	}), nil
}

func (f *fakeCodeRepo) FindByID(ctx context.Context, id string) (*model.ProvisioningCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}
	c, ok := f.codes[id]
	if !ok {
		return nil, nil
	}
	copied := *c
	return &copied, nil
}

func (f *fakeCodeRepo) FindUnusedByCode(ctx context.Context, code string) (*model.ProvisioningCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.codes {
		if c.Code == code && c.Status == model.CodeStatusUnused {
			copied := *c
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeCodeRepo) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, c := range f.codes {
		if c.Status == model.CodeStatusUnused && !now.Before(c.ExpiresAt) {
			c.Status = model.CodeStatusExpired
			n++
		}
	}
	return n, nil
}

func (f *fakeCodeRepo) MarkExpired(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.codes[id]; ok && c.Status == model.CodeStatusUnused {
		c.Status = model.CodeStatusExpired
	}
	return nil
}

func (f *fakeCodeRepo) RecordAttempt(ctx context.Context, id, clientIP string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.codes[id]
	c.LastAttemptAt = &at
	c.LastClientIP = &clientIP
	return nil
}

func (f *fakeCodeRepo) RecordFailure(ctx context.Context, id string, threshold int, lockoutUntil time.Time) (*model.ProvisioningCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.codes[id]
	c.FailedAttempts++
	if c.FailedAttempts >= threshold {
		c.LockoutUntil = &lockoutUntil
	}
	copied := *c
	return &copied, nil
}

func (f *fakeCodeRepo) MarkUsed(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.codes[id]
	if c.Status != model.CodeStatusUnused {
		return false, nil
	}
	c.Status = model.CodeStatusUsed
	c.FailedAttempts = 0
	c.LockoutUntil = nil
	return true, nil
}

func (f *fakeCodeRepo) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeCodeRepo) WithTx(tx *sqlx.Tx) repository.ProvisioningCodeRepository {
	return f
}

type fakeTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]*model.ProvisioningToken
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{tokens: make(map[string]*model.ProvisioningToken)}
}

func (f *fakeTokenRepo) Create(ctx context.Context, params model.CreateProvisioningTokenParams) (*model.ProvisioningToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &model.ProvisioningToken{
		ID:         params.ID,
		TokenHash:  params.TokenHash,
		CodeID:     params.CodeID,
		CreatedAt:  time.Now(),
		ExpiresAt:  params.ExpiresAt,
		Status:     model.TokenStatusIssued,
		DeviceHint: params.DeviceHint,
		NonceHash:  params.NonceHash,
		ClientIP:   &params.ClientIP,
	}
	f.tokens[t.TokenHash] = t
	copied := *t
	return &copied, nil
}

func (f *fakeTokenRepo) FindByHash(ctx context.Context, tokenHash string) (*model.ProvisioningToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[tokenHash]
	if !ok {
		return nil, nil
	}
	copied := *t
	return &copied, nil
}

func (f *fakeTokenRepo) byID(id string) *model.ProvisioningToken {
	for _, t := range f.tokens {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (f *fakeTokenRepo) Consume(ctx context.Context, id, deviceID string, deviceHint *string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.byID(id)
	if t == nil || t.Status != model.TokenStatusIssued {
		return false, nil
	}
	t.Status = model.TokenStatusConsumed
	t.UsedByDeviceID = &deviceID
	if deviceHint != nil {
		t.DeviceHint = deviceHint
	}
	t.ConsumedAt = &at
	return true, nil
}

func (f *fakeTokenRepo) MarkExpired(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t := f.byID(id); t != nil && t.Status == model.TokenStatusIssued {
		t.Status = model.TokenStatusExpired
	}
	return nil
}

func (f *fakeTokenRepo) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeTokenRepo) WithTx(tx *sqlx.Tx) repository.ProvisioningTokenRepository {
	return f
}

// fakeDeviceStore applies the upsert owner rule in memory.
type fakeDeviceStore struct {
	mu      sync.Mutex
	devices map[string]*model.Device
}

func newFakeDeviceStore() *fakeDeviceStore {
	return &fakeDeviceStore{devices: make(map[string]*model.Device)}
}

func (f *fakeDeviceStore) FindByDeviceID(ctx context.Context, deviceID string) (*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, nil
	}
	copied := *d
	return &copied, nil
}

func (f *fakeDeviceStore) FindNewestUnclaimed(ctx context.Context, from, to time.Time) (*model.Device, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *model.Device
	count := 0
	for _, d := range f.devices {
		if d.Owner != nil || d.DeletedAt != nil {
			continue
		}
		if d.LastHeartbeatAt.Before(from) || d.LastHeartbeatAt.After(to) {
			continue
		}
		count++
		if best == nil || d.LastHeartbeatAt.After(best.LastHeartbeatAt) {
			best = d
		}
	}
	if best == nil {
		return nil, 0, nil
	}
	copied := *best
	return &copied, count, nil
}

func (f *fakeDeviceStore) Upsert(ctx context.Context, p model.UpsertDeviceParams) (*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[p.DeviceID]
	if !ok {
		d = &model.Device{DeviceID: p.DeviceID, LastHeartbeatAt: time.Now()}
		f.devices[p.DeviceID] = d
	}
	if d.Owner == nil {
		owner, username := p.Owner, p.OwnerUsername
		d.Owner, d.OwnerUsername = &owner, &username
		if p.OrganizationID != nil {
			d.OrganizationID = p.OrganizationID
		}
	}
	if *d.Owner == p.Owner {
		if p.GroupID != nil {
			d.GroupID = p.GroupID
		}
		if p.FriendlyName != nil {
			d.FriendlyName = p.FriendlyName
		}
		if !p.KeepNotes {
			d.Notes = p.Notes
		}
		if p.ConnectionSecret != nil {
			d.ConnectionSecret = p.ConnectionSecret
		}
	}
	if p.HeartbeatAt != nil {
		d.LastHeartbeatAt = *p.HeartbeatAt
	}
	d.DeletedAt = nil
	copied := *d
	return &copied, nil
}

func (f *fakeDeviceStore) WithTx(tx *sqlx.Tx) repository.DeviceRepository {
	return f
}

func (f *fakeDeviceStore) heartbeat(deviceID string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[deviceID] = &model.Device{DeviceID: deviceID, LastHeartbeatAt: at}
}
