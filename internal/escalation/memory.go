package escalation

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process AlertStore for tests and local development.
type Memory struct {
	mu      sync.Mutex
	alerts  map[string]*Alert
	tenants map[string][]int64
}

func NewMemory() *Memory {
	return &Memory{
		alerts:  make(map[string]*Alert),
		tenants: make(map[string][]int64),
	}
}

func (m *Memory) Create(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	cp := *a
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.alerts[cp.ID] = &cp
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) GetOpenByDevice(_ context.Context, address string) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.DeviceAddress == address && a.ClearedAt == nil {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAlertNotFound
}

func (m *Memory) Due(_ context.Context, now time.Time) ([]Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []Alert
	for _, a := range m.alerts {
		if a.ClearedAt != nil || a.ServerAcked || a.DeviceAcked {
			continue
		}
		if a.NextDueAt == nil || a.NextDueAt.After(now) {
			continue
		}
		due = append(due, *a)
	}
	return due, nil
}

func (m *Memory) Advance(_ context.Context, id string, level int, nextDue *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return ErrAlertNotFound
	}
	if a.ClearedAt != nil {
		return ErrAlertCleared
	}
	now := time.Now()
	if level > a.Level {
		a.Level = level
		a.LastTransition = now
	}
	a.NextDueAt = nextDue
	a.UpdatedAt = now
	return nil
}

func (m *Memory) Ack(_ context.Context, id string, byDevice bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return ErrAlertNotFound
	}
	if a.ClearedAt != nil {
		return ErrAlertCleared
	}
	if byDevice {
		a.DeviceAcked = true
	} else {
		a.ServerAcked = true
	}
	a.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) Clear(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return ErrAlertNotFound
	}
	if a.ClearedAt != nil {
		return ErrAlertCleared
	}
	now := time.Now()
	a.ClearedAt = &now
	a.NextDueAt = nil
	a.UpdatedAt = now
	return nil
}

func (m *Memory) TenantTiming(_ context.Context, tenantID string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	secs, ok := m.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	cp := make([]int64, len(secs))
	copy(cp, secs)
	return cp, nil
}

func (m *Memory) SetTenantTiming(_ context.Context, tenantID string, secs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if secs == nil {
		delete(m.tenants, tenantID)
		return nil
	}
	cp := make([]int64, len(secs))
	copy(cp, secs)
	m.tenants[tenantID] = cp
	return nil
}
