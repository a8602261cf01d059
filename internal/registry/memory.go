package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process registry for tests and local development,
// mirroring Store's semantics including race-safe code consumption.
type Memory struct {
	mu      sync.Mutex
	devices map[string]*Device
	codes   map[string]*ClaimCode // by id
}

func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]*Device),
		codes:   make(map[string]*ClaimCode),
	}
}

func (m *Memory) CreateDevice(_ context.Context, address string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[address]; ok {
		return nil, ErrDeviceExists
	}
	now := time.Now()
	d := &Device{Address: address, CreatedAt: now, UpdatedAt: now}
	m.devices[address] = d
	cp := *d
	return &cp, nil
}

func (m *Memory) GetByAddress(_ context.Context, address string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[address]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) ListDevices(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	devices := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, *d)
	}
	return devices, nil
}

func (m *Memory) Claim(_ context.Context, address, tenantID, password, fingerprint, recoveryKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[address]
	if !ok {
		return ErrDeviceNotFound
	}
	if d.Claimed() {
		return ErrAlreadyClaimed
	}
	now := time.Now()
	d.TenantID = tenantID
	d.ClaimedAt = &now
	d.UnclaimedAt = nil
	d.BrokerPassword = password
	d.Fingerprint = fingerprint
	d.RecoveryKey = recoveryKey
	d.UpdatedAt = now
	return nil
}

func (m *Memory) Unclaim(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[address]
	if !ok {
		return ErrDeviceNotFound
	}
	if !d.Claimed() {
		return ErrNotClaimed
	}
	now := time.Now()
	d.UnclaimedAt = &now
	d.BrokerPassword = ""
	d.Fingerprint = ""
	d.UpdatedAt = now
	return nil
}

func (m *Memory) Move(_ context.Context, address, newTenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[address]
	if !ok {
		return ErrDeviceNotFound
	}
	if !d.Claimed() {
		return ErrNotClaimed
	}
	d.TenantID = newTenantID
	d.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) SetCredential(_ context.Context, address, password, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[address]
	if !ok {
		return ErrDeviceNotFound
	}
	d.BrokerPassword = password
	d.Fingerprint = fingerprint
	d.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) Restore(_ context.Context, prev *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[prev.Address]
	if !ok {
		return ErrDeviceNotFound
	}
	cp := *prev
	cp.UpdatedAt = time.Now()
	*d = cp
	return nil
}

func (m *Memory) IssueClaimCode(_ context.Context, tenantID string, ttl time.Duration) (*ClaimCode, string, error) {
	code, err := GenerateClaimCode()
	if err != nil {
		return nil, "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cc := &ClaimCode{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		CodeHash:  HashCode(code),
		Status:    CodeActive,
		ExpiresAt: time.Now().Add(ttl),
		CreatedAt: time.Now(),
	}
	m.codes[cc.ID] = cc
	cp := *cc
	return &cp, code, nil
}

func (m *Memory) ConsumeClaimCode(_ context.Context, codeHash, deviceAddress string) (*ClaimCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *ClaimCode
	for _, cc := range m.codes {
		if cc.CodeHash == codeHash {
			found = cc
			break
		}
	}
	if found == nil {
		return nil, ErrCodeNotFound
	}
	if found.Status == CodeClaimed {
		return nil, ErrCodeConsumed
	}
	if found.Status == CodeExpired || time.Now().After(found.ExpiresAt) {
		return nil, ErrCodeExpired
	}
	now := time.Now()
	found.Status = CodeClaimed
	found.ConsumedBy = deviceAddress
	found.ConsumedAt = &now
	cp := *found
	return &cp, nil
}

func (m *Memory) ReleaseClaimCode(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cc, ok := m.codes[id]
	if !ok {
		return nil
	}
	if cc.Status == CodeClaimed {
		cc.Status = CodeActive
		cc.ConsumedBy = ""
		cc.ConsumedAt = nil
	}
	return nil
}
