package audit

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process ledger for tests. Fail makes Record return
// ErrLedgerUnavailable so callers' rollback paths can be exercised.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	nextID  int64

	Fail bool
}

func NewMemory() *Memory {
	return &Memory{nextID: 1}
}

func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return ErrLedgerUnavailable
	}
	e.ID = m.nextID
	m.nextID++
	e.CreatedAt = time.Now()
	m.entries = append(m.entries, e)
	return nil
}

func (m *Memory) ListByDevice(_ context.Context, address string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].DeviceAddress == address {
			out = append(out, m.entries[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// All returns every entry in append order, for test assertions.
func (m *Memory) All() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
